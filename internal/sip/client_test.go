package sip

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
)

// fakeServerTx records the response handed to Respond.
type fakeServerTx struct {
	res *sip.Response
}

func (f *fakeServerTx) Respond(res *sip.Response) error { f.res = res; return nil }
func (f *fakeServerTx) Acks() <-chan *sip.Request { return nil }
func (f *fakeServerTx) Terminate() {}
func (f *fakeServerTx) OnTerminate(sip.FnTxTerminate) bool { return false }
func (f *fakeServerTx) OnCancel(sip.FnTxCancel) bool { return false }
func (f *fakeServerTx) Done() <-chan struct{} { return nil }
func (f *fakeServerTx) Err() error { return nil }

func parseInvite(t *testing.T) *sip.Request {
	t.Helper()
	raw := strings.Join([]string{
		"INVITE sip:assistant@pbx.example.com SIP/2.0",
		"Via: SIP/2.0/UDP 203.0.113.10:5060;branch=z9hG4bK776asdhds",
		"Max-Forwards: 70",
		"From: <sip:+4930555000@provider.example.com>;tag=1928301774",
		"To: <sip:assistant@pbx.example.com>",
		"Call-ID: a84b4c76e66710",
		"CSeq: 314159 INVITE",
		"Contact: <sip:+4930555000@203.0.113.10:5060>",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	msg, err := sip.NewParser().ParseSIP([]byte(raw))
	if err != nil {
		t.Fatalf("parsing invite: %v", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("parsed message is %T, not a request", msg)
	}
	return req
}

func TestRespondErrorFinalResponse(t *testing.T) {
	c := &Client{logger: discardLogger()}

	tests := []struct {
		status int
		reason string
	}{
		{403, "Forbidden"},
		{486, "Busy Here"},
		{503, "Service Unavailable"},
	}
	for _, tt := range tests {
		req := parseInvite(t)
		tx := &fakeServerTx{}
		c.respondError(req, tx, tt.status, tt.reason)

		if tx.res == nil {
			t.Fatalf("no response sent for %d", tt.status)
		}
		if tx.res.StatusCode != tt.status || tx.res.Reason != tt.reason {
			t.Errorf("response = %d %s, want %d %s",
				tx.res.StatusCode, tx.res.Reason, tt.status, tt.reason)
		}
		to := tx.res.To()
		if to == nil {
			t.Fatal("response has no To header")
		}
		// A final non-2xx response still establishes a dialog leg and
		// needs a local tag.
		if tag, ok := to.Params.Get("tag"); !ok || tag == "" {
			t.Errorf("%d response carries no To tag", tt.status)
		}
	}
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"<sip:user@host>;expires=3600", 3600},
		{"<sip:user@host>;q=0.5;expires=120;foo=bar", 120},
		{"<sip:user@host>", 0},
		{"<sip:user@host>;expires=abc", 0},
	}
	for _, tt := range tests {
		if got := parseContactExpires(tt.value); got != tt.want {
			t.Errorf("parseContactExpires(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}
