package mailer

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/foxzi/drip/internal/sandbox"
	"github.com/foxzi/drip/internal/sendry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newSandboxStorage(t *testing.T) *sandbox.Storage {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	storage, err := sandbox.NewStorage(db)
	require.NoError(t, err)
	return storage
}

func TestSandboxTransport(t *testing.T) {
	ctx := context.Background()
	storage := newSandboxStorage(t)
	transport := NewSandboxTransport(storage, nil, testLogger())

	require.NoError(t, transport.Send(ctx, testMessage()))

	captured, err := storage.Get(ctx, "log-1")
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, "ann@example.org", captured.To)
	assert.Contains(t, string(captured.Data), "Subject: Welcome, Ann")
	assert.Empty(t, captured.SimulatedErr)
}

func TestSandboxTransportSimulatedFailure(t *testing.T) {
	ctx := context.Background()
	storage := newSandboxStorage(t)
	transport := NewSandboxTransport(storage, nil, testLogger())
	transport.SetErrorSimulation(1)

	err := transport.Send(ctx, testMessage())
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, de.Message, "simulated")

	captured, err := storage.Get(ctx, "log-1")
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.NotEmpty(t, captured.SimulatedErr)
	assert.Equal(t, captured.SimulatedErr[0] == '4', de.Temporary)
}

type fakeSendry struct {
	req *sendry.SendRequest
	err error
}

func (f *fakeSendry) Send(ctx context.Context, req *sendry.SendRequest) (*sendry.SendResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &sendry.SendResponse{ID: "s1", Status: "queued"}, nil
}

func TestSendryTransport(t *testing.T) {
	api := &fakeSendry{}
	transport := NewSendryTransport(api, testLogger())

	require.NoError(t, transport.Send(context.Background(), testMessage()))
	require.NotNil(t, api.req)
	assert.Equal(t, []string{"ann@example.org"}, api.req.To)
	assert.Equal(t, `"Acme News" <news@example.com>`, api.req.From)
	assert.Equal(t, "<log-1@example.com>", api.req.Headers["Message-ID"])
	assert.Equal(t, "support@example.com", api.req.Headers["Reply-To"])
	assert.Equal(t, "<https://mail.example.com/u/tok>", api.req.Headers["List-Unsubscribe"])
	assert.Equal(t, "Hello", api.req.Body)
}

func TestSendryTransportErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
	}{
		{"bad request", &sendry.APIError{StatusCode: http.StatusBadRequest, Message: "invalid"}, false},
		{"throttled", &sendry.APIError{StatusCode: http.StatusTooManyRequests}, true},
		{"server error", &sendry.APIError{StatusCode: http.StatusBadGateway}, true},
		{"network", errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewSendryTransport(&fakeSendry{err: tt.err}, testLogger())
			err := transport.Send(context.Background(), testMessage())
			require.Error(t, err)
			assert.Equal(t, tt.temporary, IsTemporaryError(err))
		})
	}

	msg := testMessage()
	msg.Attachments = []Attachment{{Filename: "a.pdf", Data: []byte("x")}}
	err := NewSendryTransport(&fakeSendry{}, testLogger()).Send(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, IsTemporaryError(err))
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	id := "ses-1"
	return &sesv2.SendEmailOutput{MessageId: &id}, nil
}

func TestSESTransport(t *testing.T) {
	api := &fakeSES{}
	signer := &fakeSigner{aligned: true}
	transport := NewSESTransport(api, signer, testLogger())

	require.NoError(t, transport.Send(context.Background(), testMessage()))
	require.NotNil(t, api.input)
	assert.Equal(t, "news@example.com", *api.input.FromEmailAddress)
	assert.Equal(t, []string{"ann@example.org"}, api.input.Destination.ToAddresses)
	raw := string(api.input.Content.Raw.Data)
	assert.Contains(t, raw, "DKIM-Signature")
	assert.Contains(t, raw, "Subject: Welcome, Ann")
}

func TestSESTransportErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
	}{
		{"rejected", &smithy.GenericAPIError{Code: "MessageRejected", Message: "address blacklisted"}, false},
		{"throttled", &smithy.GenericAPIError{Code: "TooManyRequestsException"}, true},
		{"network", errors.New("dial tcp: timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewSESTransport(&fakeSES{err: tt.err}, nil, testLogger())
			err := transport.Send(context.Background(), testMessage())
			require.Error(t, err)
			assert.Equal(t, tt.temporary, IsTemporaryError(err))
		})
	}
}
