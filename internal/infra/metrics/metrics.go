// File: internal/infra/metrics/metrics.go
package metrics

import (
	"strconv"
	"strings"
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func itoa(n int) string { return strconv.Itoa(n) }
