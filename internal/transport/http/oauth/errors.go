package oauth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	oauthsrv "cmail-server-go/internal/domain/auth/oauth"
	"cmail-server-go/internal/platform/logging"
)

// errorBody is the OAuth2 error response shape.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func invalidRequest(description string) *oauthsrv.Error {
	return &oauthsrv.Error{Code: oauthsrv.CodeInvalidRequest, Description: description, Status: http.StatusBadRequest}
}

// writeError classifies err and aborts with the OAuth error body. Server
// errors are logged with their cause and answered without detail.
func writeError(c *gin.Context, logger *logging.Logger, err error) {
	oe := oauthsrv.AsError(err)
	if oe.Status >= http.StatusInternalServerError {
		logger.ErrorTag("OAuth", "%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(oe.Status, errorBody{Error: oe.Code, ErrorDescription: oe.Description})
}
