package server

import (
	"bytes"
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/talefront/aegis/internal/signing"
	"github.com/talefront/aegis/pkg/errors"
)

const (
	headerKeyID     = "X-Aegis-Key-Id"
	headerTimestamp = "X-Aegis-Timestamp"
	headerNonce     = "X-Aegis-Nonce"
	headerSignature = "X-Aegis-Signature"
)

// requireSignature verifies the HMAC request signature before the handler
// runs. The body is buffered so the handler can still bind it.
func (s *Server) requireSignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		ts, err := strconv.ParseInt(c.GetHeader(headerTimestamp), 10, 64)
		if err != nil {
			respondError(c, errors.NewValidation(headerTimestamp, "must be a unix timestamp"))
			c.Abort()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			respondError(c, errors.ErrValidation.Wrap(err))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		signed := &signing.SignedRequest{
			KeyID:     c.GetHeader(headerKeyID),
			Timestamp: ts,
			Nonce:     c.GetHeader(headerNonce),
			Payload:   body,
			Signature: c.GetHeader(headerSignature),
		}
		if err := s.verifier.Verify(c.Request.Context(), signed); err != nil {
			respondError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}
