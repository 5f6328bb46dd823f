package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/aiagenz/billing/internal/domain"
	"github.com/aiagenz/billing/internal/handler"
	"github.com/sirupsen/logrus"
)

// Recovery catches panics and returns a 500 error instead of crashing the server.
func Recovery(log logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(logrus.Fields{
						"panic": err,
						"path":  r.URL.Path,
						"stack": string(debug.Stack()),
					}).Error("PANIC")
					handler.Error(w, &domain.AppError{Kind: domain.KindInternal, Code: http.StatusInternalServerError, Message: "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
