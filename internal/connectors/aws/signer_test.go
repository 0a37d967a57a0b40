package aws

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRoleARN(t *testing.T) {
	t.Parallel()
	tests := []struct {
		arn     string
		wantErr bool
	}{
		{"arn:aws:iam::123456789012:role/BidopsAgents", false},
		{"arn:aws:iam::123456789012:role/path/BidopsAgents", false},
		{"arn:aws:iam::12345:role/Short", true},
		{"arn:aws:iam::123456789012:user/NotARole", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.arn, func(t *testing.T) {
			t.Parallel()
			err := ValidateRoleARN(tt.arn)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSigningTransport(t *testing.T) {
	var gotAuth, gotDate, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDate = r.Header.Get("X-Amz-Date")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := aws.Config{
		Region:      "eu-west-1",
		Credentials: credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
	}
	rt := NewSigningTransport(srv.Client().Transport, cfg, ServiceExecuteAPI)
	rt.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/agents/QA/runs", strings.NewReader(`{"attempt":1}`))
	require.NoError(t, err)
	resp, err := (&http.Client{Transport: rt}).Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20260301/eu-west-1/execute-api/aws4_request"), gotAuth)
	assert.Equal(t, "20260301T120000Z", gotDate)
	assert.Equal(t, `{"attempt":1}`, gotBody)
	assert.Empty(t, req.Header.Get("Authorization"), "caller's request must stay unsigned")
}
