package connector

import (
	"encoding/json"
	"log/slog"

	"github.com/sqlbridge/sqlbridge/internal/proto"
)

// RequiredAttributes are the connection requirements an account can
// declare in its `router_require` user attribute.
type RequiredAttributes struct {
	SSL     bool   `json:"ssl"`
	X509    bool   `json:"x509"`
	Issuer  string `json:"issuer"`
	Subject string `json:"subject"`
}

// RequiredAttributesResult is the outcome of fetching the account's
// required connection attributes. OK is false when the fetch failed.
type RequiredAttributesResult struct {
	OK    bool
	Attrs RequiredAttributes
}

// fetchRequiredAttributesStmt reads the router_require attribute of the
// authenticated account.
const fetchRequiredAttributesStmt = "SELECT ATTRIBUTE->>'$.router_require'" +
	" FROM information_schema.user_attributes" +
	" WHERE CONCAT(USER, '@', HOST) = CURRENT_USER()"

// newRequiredAttributesProcessor builds a query processor that captures
// the account's required connection attributes into out.
func newRequiredAttributesProcessor(c *Conn, out *RequiredAttributesResult) Processor {
	return &queryProcessor{
		conn:    c,
		stmt:    fetchRequiredAttributesStmt,
		handler: &requiredAttributesHandler{out: out},
	}
}

// requiredAttributesHandler decodes the single-cell resultset of the
// router_require fetch. A NULL cell means the account declares no
// requirements.
type requiredAttributesHandler struct {
	baseHandler
	out     *RequiredAttributesResult
	gotRow  bool
	badJSON bool
}

func (h *requiredAttributesHandler) OnRow(row proto.Row) {
	h.gotRow = true

	if len(row) != 1 {
		h.badJSON = true
		return
	}
	if row[0].Null {
		return // no requirements
	}
	if err := json.Unmarshal([]byte(row[0].Value), &h.out.Attrs); err != nil {
		slog.Warn("malformed router_require attribute", "err", err)
		h.badJSON = true
	}
}

func (h *requiredAttributesHandler) OnRowEnd(*proto.EOF) {
	h.out.OK = h.gotRow && !h.badJSON
}

func (h *requiredAttributesHandler) OnError(err *proto.SQLError) {
	slog.Warn("fetching router_require attribute failed", "err", err)
	h.out.OK = false
}

// enforceRequire checks the client channel against the account's
// declared requirements.
func enforceRequire(sec ClientSecurity, req RequiredAttributes) bool {
	if req.SSL && !sec.TLS {
		return false
	}
	if req.X509 && sec.Subject == "" {
		return false
	}
	if req.Issuer != "" && req.Issuer != sec.Issuer {
		return false
	}
	if req.Subject != "" && req.Subject != sec.Subject {
		return false
	}
	return true
}
