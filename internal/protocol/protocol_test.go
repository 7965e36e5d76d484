package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplyTag(t *testing.T) {
	require.Equal(t, "ledger-get-version-reply", ActionGetVersion.ReplyTag())
	action, ok := RequestActionOf("ledger-sign-transaction-reply")
	require.True(t, ok)
	require.Equal(t, ActionSignTransaction, action)
	_, ok = RequestActionOf("ledger-sign-transaction")
	require.False(t, ok)
}

func TestActionKnown(t *testing.T) {
	for _, action := range Actions() {
		require.True(t, action.Known(), action)
	}
	require.False(t, Action("ledger-format-device").Known())
}

func TestOriginOf(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://example.github.io/yoroi-ledger-bridge", "https://example.github.io"},
		{"https://example.github.io/yoroi-ledger-bridge?webauthn", "https://example.github.io"},
		{"https://example.github.io/a/b/index.html", "https://example.github.io/a/b"},
		{"ws://127.0.0.1:8787/bridge", "ws://127.0.0.1:8787"},
		{"noslash", "noslash"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, OriginOf(tc.in), tc.in)
	}
}

func TestConnectionURL(t *testing.T) {
	require.Equal(t, "https://b.example/bridge?u2f", ConnectionURL("https://b.example/bridge", "u2f"))
	require.Equal(t, "https://b.example/bridge", ConnectionURL("https://b.example/bridge", ""))
}

func TestSchemeHostOrigin(t *testing.T) {
	origin, err := SchemeHostOrigin("wss://bridge.example:8443/path?webauthn")
	require.NoError(t, err)
	require.Equal(t, "wss://bridge.example:8443", origin)
	_, err = SchemeHostOrigin("relative/path")
	require.Error(t, err)
}

func TestEnvelopeWireFormat(t *testing.T) {
	req := Request{Target: TargetName, Action: ActionDeriveAddress, Params: json.RawMessage(`{"hdPath":[1,2]}`), ID: "abc"}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	require.JSONEq(t, `{"target":"YOROI-LEDGER-BRIDGE","action":"ledger-derive-address","params":{"hdPath":[1,2]},"id":"abc"}`, string(raw))

	var reply Reply
	require.NoError(t, json.Unmarshal([]byte(`{"action":"ledger-get-version-reply","success":false,"payload":{"error":"LEDGER_LOCKED"}}`), &reply))
	require.False(t, reply.Success)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &payload))
	require.Equal(t, "LEDGER_LOCKED", payload.Error)
}

func TestResultWireFormat(t *testing.T) {
	data, err := json.Marshal(GetExtendedPublicKeyResponse{PublicKeyHex: "ab", ChainCodeHex: "cd"})
	require.NoError(t, err)
	require.JSONEq(t, `{"publicKey":"ab","chainCode":"cd"}`, string(data))

	data, err = json.Marshal(DeriveAddressResponse{Address58: "Ae2"})
	require.NoError(t, err)
	require.JSONEq(t, `{"address58":"Ae2"}`, string(data))

	data, err = json.Marshal(GetVersionResponse{Major: 2, Patch: 4, Flags: Flags{IsDebug: true}})
	require.NoError(t, err)
	require.JSONEq(t, `{"major":2,"minor":0,"patch":4,"flags":{"isDebug":true}}`, string(data))
}
