package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestTransport(t *testing.T, handler http.Handler) (*HTTPTransport, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	filesDir := t.TempDir()
	tr, err := NewHTTPTransport(srv.URL, "default", "secret", filesDir, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	return tr, filesDir
}

func TestHTTPTransportStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuth},
		{"forbidden", http.StatusForbidden, ErrAccessDenied},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"upgrade required", http.StatusUpgradeRequired, ErrIncompatibleServer},
		{"server error", http.StatusInternalServerError, ErrServerInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			err := tr.VerifyServer(context.Background(), "default")
			if !errors.Is(err, tt.want) {
				t.Errorf("VerifyServer() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTPTransportVerify(t *testing.T) {
	var gotPath, gotAuth string
	tr, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
	}))

	if err := tr.VerifyServer(context.Background(), "default"); err != nil {
		t.Fatalf("VerifyServer() error = %v", err)
	}
	if gotPath != "/apps/default" {
		t.Errorf("path = %s, want /apps/default", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("authorization = %q, want bearer credential", gotAuth)
	}

	if err := tr.VerifyServer(context.Background(), "other"); err == nil {
		t.Error("VerifyServer() accepted a foreign app name")
	}
}

func TestHTTPTransportRowVerbs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/apps/default/tables/census/rows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if since := r.URL.Query().Get("since"); since != "v1" {
				t.Errorf("since = %q, want v1", since)
			}
			_ = json.NewEncoder(w).Encode(RowChangeSet{
				Rows:     []RowResource{{RowID: "r1", RowETag: "e1"}},
				DataETag: "v2",
			})
		case http.MethodPost:
			var push rowPush
			if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
				t.Errorf("failed to decode push: %v", err)
			}
			if push.DataETag != "v2" || len(push.Rows) != 1 || push.Rows[0].RowID != "r2" {
				t.Errorf("push = %+v", push)
			}
			_ = json.NewEncoder(w).Encode(RowOutcomeSet{
				Outcomes: []RowOutcome{{Row: push.Rows[0], Outcome: RowOutcomeSuccess}},
				DataETag: "v3",
			})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	tr, _ := newTestTransport(t, mux)
	ctx := context.Background()

	cs, err := tr.GetRowsSince(ctx, "census", "v1")
	if err != nil {
		t.Fatalf("GetRowsSince() error = %v", err)
	}
	if cs.DataETag != "v2" || len(cs.Rows) != 1 || cs.Rows[0].RowID != "r1" {
		t.Errorf("changeset = %+v", cs)
	}

	verdicts, err := tr.PushRows(ctx, "census", "v2", []RowResource{{RowID: "r2"}})
	if err != nil {
		t.Fatalf("PushRows() error = %v", err)
	}
	if verdicts.DataETag != "v3" || len(verdicts.Outcomes) != 1 ||
		verdicts.Outcomes[0].Outcome != RowOutcomeSuccess {
		t.Errorf("verdicts = %+v", verdicts)
	}
}

func TestHTTPTransportFetchFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/forms/survey.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<form/>"))
	})
	tr, filesDir := newTestTransport(t, mux)
	ctx := context.Background()

	srvURL := tr.base.String()
	err := tr.FetchFile(ctx, ManifestFile{
		Filename: "forms/survey.xml",
		URL:      srvURL + "/files/forms/survey.xml",
	})
	if err != nil {
		t.Fatalf("FetchFile() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(filesDir, "forms", "survey.xml"))
	if err != nil {
		t.Fatalf("fetched file missing: %v", err)
	}
	if string(data) != "<form/>" {
		t.Errorf("fetched content = %q", data)
	}

	t.Run("rejects path escape", func(t *testing.T) {
		err := tr.FetchFile(ctx, ManifestFile{
			Filename: "../outside.xml",
			URL:      srvURL + "/files/forms/survey.xml",
		})
		if err == nil {
			t.Error("FetchFile() accepted a filename escaping the files directory")
		}
	})
}
