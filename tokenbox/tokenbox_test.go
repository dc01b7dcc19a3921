package tokenbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type examplePayload struct {
	ConnectionID string `json:"connectionId"`
}

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New(PurposeGetCookieSessionQuestion, time.Minute)
	require.NoError(t, err)

	token, err := box.Seal("conn-1", examplePayload{ConnectionID: "conn-1"})
	require.NoError(t, err)

	var got examplePayload
	require.NoError(t, box.Open("conn-1", token, &got))
	require.Equal(t, "conn-1", got.ConnectionID)
}

func TestOpenRejectsWrongRecipient(t *testing.T) {
	box, err := New(PurposeGetCookieSessionQuestion, time.Minute)
	require.NoError(t, err)

	token, err := box.Seal("conn-1", examplePayload{ConnectionID: "conn-1"})
	require.NoError(t, err)

	var got examplePayload
	err = box.Open("conn-2", token, &got)
	require.ErrorIs(t, err, ErrWrongRecipient)
}

func TestOpenRejectsWrongPurpose(t *testing.T) {
	sealBox, err := New(PurposeGetCookieSessionQuestion, time.Minute)
	require.NoError(t, err)
	openBox, err := New(PurposeCookieSessionUpdate, time.Minute)
	require.NoError(t, err)

	token, err := sealBox.Seal("conn-1", examplePayload{ConnectionID: "conn-1"})
	require.NoError(t, err)

	var got examplePayload
	// Different Box instance means different HMAC key too, so this must
	// fail at signature verification before purpose is even inspected.
	err = openBox.Open("conn-1", token, &got)
	require.Error(t, err)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	box, err := New(PurposeGetCookieSessionQuestion, time.Minute)
	require.NoError(t, err)

	token, err := box.Seal("conn-1", examplePayload{ConnectionID: "conn-1"})
	require.NoError(t, err)

	tampered := token + "x"
	var got examplePayload
	require.Error(t, box.Open("conn-1", tampered, &got))
}
