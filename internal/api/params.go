package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

func parseFid(r *http.Request, name string) (model.Fid, error) {
	raw := r.PathValue(name)
	fid, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || fid == 0 {
		return 0, invalidParams("invalid fid: %s", raw)
	}
	return model.Fid(fid), nil
}

// normalizeHex validates a hex string with an optional 0x prefix and returns
// it in the lowercase 0x form the store keys use.
func normalizeHex(raw, what string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if trimmed == "" {
		return "", invalidParams("missing %s value", what)
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", invalidParams("invalid %s format: %s", what, raw)
	}
	return "0x" + strings.ToLower(trimmed), nil
}

func parseHash(r *http.Request) (string, error) {
	return normalizeHex(r.PathValue("hash"), "hash")
}

func parseAddress(r *http.Request) (string, error) {
	return normalizeHex(r.PathValue("address"), "address")
}

// parseLimit applies the default, rejects zero and clamps to maxLimit.
func parseLimit(r *http.Request, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return min(DefaultLimit, max(maxLimit, 1)), nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, invalidParams("invalid limit: %s", raw)
	}
	if n == 0 {
		return 0, invalidParams("limit must be greater than 0")
	}
	return min(int(n), max(maxLimit, 1)), nil
}

// optionalUint returns 0, false when the parameter is absent.
func optionalUint(r *http.Request, name string) (uint64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, invalidParams("invalid %s: %s", name, raw)
	}
	return n, true, nil
}

func optionalBool(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, invalidParams("invalid %s: %s", name, raw)
	}
	return b, nil
}

func requiredURL(r *http.Request) (string, error) {
	u := r.URL.Query().Get("url")
	if strings.TrimSpace(u) == "" {
		return "", invalidParams("missing required query parameter: url")
	}
	return u, nil
}
