package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("received: " + string(body)))
}

func TestGzipMiddleware(t *testing.T) {
	tests := []struct {
		name             string
		requestBody      string
		compressRequest  bool
		acceptEncoding   string
		wantEncoding     string
	}{
		{
			name:           "client accepts gzip",
			requestBody:    `{"coupon_id":1}`,
			acceptEncoding: "gzip",
			wantEncoding:   "gzip",
		},
		{
			name:           "client does not accept gzip",
			requestBody:    "plain request",
			acceptEncoding: "",
			wantEncoding:   "",
		},
		{
			name:            "compressed request body",
			requestBody:     "compressed request",
			compressRequest: true,
			acceptEncoding:  "gzip",
			wantEncoding:    "gzip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requestBody io.Reader
			if tt.compressRequest {
				var buf bytes.Buffer
				gz := gzip.NewWriter(&buf)
				if _, err := gz.Write([]byte(tt.requestBody)); err != nil {
					t.Fatalf("write gzip: %v", err)
				}
				if err := gz.Close(); err != nil {
					t.Fatalf("close gzip: %v", err)
				}
				requestBody = &buf
			} else {
				requestBody = strings.NewReader(tt.requestBody)
			}

			req := httptest.NewRequest(http.MethodPost, "/test", requestBody)
			if tt.compressRequest {
				req.Header.Set("Content-Encoding", "gzip")
			}
			req.Header.Set("Accept-Encoding", tt.acceptEncoding)

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
			}

			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding = %q, want %q", ce, tt.wantEncoding)
			}

			var body []byte
			var err error
			if tt.wantEncoding == "gzip" {
				gr, gzErr := gzip.NewReader(res.Body)
				if gzErr != nil {
					t.Fatalf("new gzip reader: %v", gzErr)
				}
				defer gr.Close()
				body, err = io.ReadAll(gr)
			} else {
				body, err = io.ReadAll(res.Body)
			}
			if err != nil {
				t.Fatalf("read body: %v", err)
			}

			want := "received: " + tt.requestBody
			if !strings.Contains(string(body), want) {
				t.Fatalf("body %q does not contain %q", string(body), want)
			}
		})
	}
}
