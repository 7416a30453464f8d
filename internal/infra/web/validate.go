package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"media-fetch-service/internal/infra/api"
)

const maxBodyBytes = 1 << 20

var supportedHosts = map[string]bool{
	"youtube.com":     true,
	"youtu.be":        true,
	"twitter.com":     true,
	"x.com":           true,
	"facebook.com":    true,
	"instagram.com":   true,
	"tiktok.com":      true,
	"vimeo.com":       true,
	"dailymotion.com": true,
	"twitch.tv":       true,
}

type infoRequest struct {
	URL string `json:"url" validate:"required,http_url,supported_host"`
}

type downloadRequest struct {
	URL    string `json:"url" validate:"required,http_url,supported_host"`
	Mode   string `json:"mode" validate:"omitempty,oneof=video audio"`
	Format string `json:"format" validate:"omitempty,oneof=video audio"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("supported_host", func(fl validator.FieldLevel) bool {
		return isSupportedURL(fl.Field().String())
	})
	return v
}

// isSupportedURL accepts links to a known platform with a non-empty path.
func isSupportedURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if !supportedHosts[host] {
		return false
	}
	return strings.Trim(u.Path, "/") != ""
}

// decodeAndValidate reads a JSON body into dst and runs its validation tags.
func (s *Server) decodeAndValidate(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return api.Validation(`"url" is required`)
		}
		return api.Validation("request body must be valid JSON")
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return api.Validation(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%q is required", field))
		case "http_url":
			msgs = append(msgs, fmt.Sprintf("%q must be a valid uri with a scheme matching the http|https pattern", field))
		case "supported_host":
			msgs = append(msgs, "URL must be a valid link from a supported platform (e.g., YouTube, Twitter, TikTok, etc.)")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%q must be one of [%s]", field, strings.ReplaceAll(fe.Param(), " ", ", ")))
		default:
			msgs = append(msgs, fmt.Sprintf("%q is invalid", field))
		}
	}
	return api.Validation(strings.Join(msgs, ", "))
}
