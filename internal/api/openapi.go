package api

import (
	_ "embed"
	"encoding/json"
	"net/http"
)

//go:embed openapi.json
var openAPIDocument []byte

func (s *Server) handleOpenAPI(*http.Request) (any, error) {
	return json.RawMessage(openAPIDocument), nil
}
