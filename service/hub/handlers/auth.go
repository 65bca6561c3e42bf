package handlers

import (
	"tradelive/logger"
	"tradelive/service/hub"
	"tradelive/tools/decode"
)

// Auth handles the in-band authenticate frame. The dispatcher guarantees it
// only runs in the pending state. Every failure here is fatal for the
// connection: the transport closes with the unauthorized code rather than
// answering in-band, so a bad token can not be retried on the same socket.
type Auth struct{}

func (Auth) Type() string { return hub.TypeAuthenticate }

func (Auth) Handle(ctx *hub.Context, f *hub.Frame, c *hub.Client) error {
	p, err := decode.DecodePayload[hub.AuthPayload](f.Payload)
	if err != nil || p.Token == "" {
		logger.Infof("[auth] bad authenticate payload conn=%s ip=%s", c.ConnID, c.IP)
		ctx.S.Teardown(c, hub.CloseUnauthorized, "invalid credentials")
		return nil
	}

	identity, err := ctx.S.Verifier().Verify(p.Token)
	if err != nil {
		logger.Infof("[auth] token rejected conn=%s ip=%s: %v", c.ConnID, c.IP, err)
		ctx.S.Teardown(c, hub.CloseUnauthorized, "invalid credentials")
		return nil
	}

	// AdmitAuthenticated closes the connection itself on a capacity reject
	ctx.S.AdmitAuthenticated(c, identity.UserID, identity.IsGuest)
	return nil
}
