package handlers

import (
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// App codes travel in client payloads and URLs, so they stay short and URL-safe.
var appCodePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,62}[a-z0-9]$`)

var registerOnce sync.Once

// registerBindingRules installs custom rules on gin's binding validator.
// Handlers call it from their constructors; registration is idempotent.
func registerBindingRules() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}

		_ = v.RegisterValidation("app_code", func(fl validator.FieldLevel) bool {
			return appCodePattern.MatchString(strings.ToLower(strings.TrimSpace(fl.Field().String())))
		})
	})
}
