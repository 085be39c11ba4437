// Package validation provides input validation for the unlockd API.
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxStringLength is the maximum length for free-text string fields
const MaxStringLength = 1000

var (
	// idRegex matches user, item, order and gateway identifiers
	idRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	// hexRegex validates hex strings (signatures)
	hexRegex = regexp.MustCompile(`^[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks an opaque identifier.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// RegisterBindings adds the "entityid" and "hexsig" tags to gin's validator
// so request structs can use them in binding tags. Safe to call repeatedly.
func RegisterBindings() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("entityid", func(fl validator.FieldLevel) bool {
		return IsValidID(fl.Field().String())
	}); err != nil {
		return err
	}
	return v.RegisterValidation("hexsig", func(fl validator.FieldLevel) bool {
		return IsValidHex(fl.Field().String())
	})
}

// FieldError describes one rejected request field by its JSON name.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// BindErrorBody turns a ShouldBindJSON error into the API's 400 body. Tag
// failures are listed per field; malformed JSON gets a single message.
func BindErrorBody(err error) gin.H {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return gin.H{"error": "invalid_request", "message": "request body must be valid JSON"}
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Message: describeTag(fe)})
	}
	return gin.H{
		"error":   "invalid_request",
		"message": fields[0].Field + " " + fields[0].Message,
		"fields":  fields,
	}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "entityid":
		return "must be 1-64 characters of letters, digits, '_' or '-'"
	case "hexsig":
		return "must be a hex string"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid"
	}
}

// IDParamMiddleware validates the named URL parameters on routes that use
// them, rejecting malformed ids before they reach a handler.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": p + " is malformed",
				})
				return
			}
		}
		c.Next()
	}
}
