package server

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"

	apidocs "tunneld/docs/api"
)

// openAPIValidator checks incoming API requests against the published
// OpenAPI document. It is opt-in (TUNNELD_API_VALIDATE=1) so production
// deployments pay nothing for it.
type openAPIValidator struct {
	router routers.Router
}

func newOpenAPIValidator() (*openAPIValidator, error) {
	raw, err := loadOpenAPISpec()
	if err != nil {
		return nil, err
	}
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, err
	}
	return &openAPIValidator{router: router}, nil
}

// Middleware validates requests under /api/ and rejects ones the document
// does not describe. Non-API routes (health, challenges) pass through.
func (v *openAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Next()
			return
		}
		route, pathParams, err := v.router.FindRoute(c.Request)
		if err != nil {
			writeError(c, http.StatusNotFound, "request does not match the API document")
			c.Abort()
			return
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			// The control API carries no auth scheme today; a permissive
			// AuthenticationFunc keeps the validator focused on shapes.
			Options: &openapi3filter.Options{
				AuthenticationFunc: func(context.Context, *openapi3filter.AuthenticationInput) error {
					return nil
				},
			},
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			writeError(c, http.StatusBadRequest, err.Error())
			c.Abort()
			return
		}
		c.Next()
	}
}

// loadOpenAPISpec returns the OpenAPI document. TUNNELD_OPENAPI_PATH
// overrides the embedded copy, which keeps trimmed-down documents easy
// to test against.
func loadOpenAPISpec() ([]byte, error) {
	if p := os.Getenv("TUNNELD_OPENAPI_PATH"); p != "" {
		return os.ReadFile(p)
	}
	return apidocs.Doc, nil
}
