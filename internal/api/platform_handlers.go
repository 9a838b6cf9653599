package api

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/platform"
)

// PlatformReader proxies reads to the platform for the caller's token
type PlatformReader interface {
	RetrieveMerchant(ctx context.Context, accessToken string) (*platform.Merchant, error)
	ListLocations(ctx context.Context, accessToken string) ([]platform.Location, error)
	ListCatalog(ctx context.Context, accessToken string, types []string, cursor string) (*platform.CatalogPage, error)
}

// HandleGetMerchant returns the caller's merchant profile
func HandleGetMerchant(client PlatformReader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchant, err := client.RetrieveMerchant(r.Context(), bearerToken(r))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"merchant": merchant})
	}
}

// HandleListLocations returns the caller's locations
func HandleListLocations(client PlatformReader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locations, err := client.ListLocations(r.Context(), bearerToken(r))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"locations": locations})
	}
}

// HandleListCatalog returns one page of catalog objects
func HandleListCatalog(client PlatformReader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var types []string
		if raw := q.Get("types"); raw != "" {
			types = strings.Split(raw, ",")
		}

		page, err := client.ListCatalog(r.Context(), bearerToken(r), types, q.Get("cursor"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}
