package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dbbouncer/pgwire/internal/wire"
)

// fakeExchanger is a hand-rolled MessageExchanger standing in for a real
// connection — mirrors the teacher's mockSCRAMBackend, but driven in
// process instead of over a net.Pipe since auth never touches net.Conn.
type fakeExchanger struct {
	sent    [][]byte
	replies []wire.Message
}

func (f *fakeExchanger) Send(msg []byte) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeExchanger) Next() (wire.Message, error) {
	if len(f.replies) == 0 {
		return wire.Message{}, fmt.Errorf("no more replies queued")
	}
	m := f.replies[0]
	f.replies = f.replies[1:]
	return m, nil
}

func authMsg(subtype uint32, rest []byte) wire.Message {
	b := wire.NewBuilder().Uint32(subtype).Bytes(rest)
	return wire.Message{Tag: wire.AuthenticationX, Payload: b.Finish(wire.AuthenticationX)[5:]}
}

func lastSentPayload(t *testing.T, f *fakeExchanger) []byte {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	raw := f.sent[len(f.sent)-1]
	return raw[5:] // strip tag + length
}

func TestAuthenticateCleartext(t *testing.T) {
	f := &fakeExchanger{}
	if err := Authenticate(f, wire.AuthCleartextPassword, nil, "alice", "secret", nil); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	pr := wire.NewPayloadReader(lastSentPayload(t, f))
	got, _ := pr.CString()
	if got != "secret" {
		t.Fatalf("sent password = %q, want secret", got)
	}
}

func TestAuthenticateMD5(t *testing.T) {
	f := &fakeExchanger{}
	salt := []byte{1, 2, 3, 4}
	if err := Authenticate(f, wire.AuthMD5Password, salt, "bob", "hunter2", nil); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	pr := wire.NewPayloadReader(lastSentPayload(t, f))
	got, _ := pr.CString()
	want := computeMD5Password("bob", "hunter2", salt)
	if got != want {
		t.Fatalf("sent md5 hash = %q, want %q", got, want)
	}
	if !strings.HasPrefix(got, "md5") {
		t.Fatalf("md5 password must be prefixed with 'md5', got %q", got)
	}
}

// TestAuthenticateSCRAMSuccessSerial drives the three-message SCRAM
// exchange against a scripted server that computes each reply lazily from
// what the client actually sent (the real client nonce is random, so the
// server's messages cannot be computed up front), using a fixed salt and
// iteration count and no goroutine synchronization.
func TestAuthenticateSCRAMSuccessSerial(t *testing.T) {
	user, password := "scramuser", "scrampass"
	salt := []byte("randomsaltvalue!")
	iterations := 4096

	// Step 1: client reads AuthenticationSASL and sends SASLInitialResponse.
	// We can't know the client nonce before Authenticate runs, so stub a
	// MessageExchanger that computes its replies lazily based on what was
	// just sent.
	srv := &scriptedSCRAMServer{
		t:        t,
		user:     user,
		password: password,
		salt:     salt,
		iters:    iterations,
	}

	err := Authenticate(srv, wire.AuthSASL, []byte("SCRAM-SHA-256\x00\x00"), user, password, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !srv.verified {
		t.Fatal("server never reached proof verification")
	}
}

// scriptedSCRAMServer implements MessageExchanger and plays the backend
// side of SCRAM-SHA-256, mirroring the teacher's mockSCRAMBackend logic
// but as a synchronous state machine instead of a goroutine over a pipe.
type scriptedSCRAMServer struct {
	t        *testing.T
	user     string
	password string
	salt     []byte
	iters    int

	step            int
	clientFirstBare string
	clientNonce     string
	serverFirstMsg  string
	serverNonce     string
	saltedPassword  []byte
	verified        bool
}

func (s *scriptedSCRAMServer) Send(msg []byte) error {
	payload := msg[5:]
	switch s.step {
	case 0:
		pr := wire.NewPayloadReader(payload)
		mech, _ := pr.CString()
		if mech != "SCRAM-SHA-256" {
			s.t.Fatalf("mechanism = %q", mech)
		}
		n, _ := pr.Int32()
		clientFirstMsg := string(pr.Rest()[:n])
		s.clientFirstBare = clientFirstMsg[3:] // strip "n,,"
		for _, part := range strings.Split(s.clientFirstBare, ",") {
			if strings.HasPrefix(part, "r=") {
				s.clientNonce = part[2:]
			}
		}
		s.serverNonce = s.clientNonce + "servernonce123"
		saltB64 := base64.StdEncoding.EncodeToString(s.salt)
		s.serverFirstMsg = fmt.Sprintf("r=%s,s=%s,i=%d", s.serverNonce, saltB64, s.iters)
		s.step++
	case 1:
		clientFinalStr := string(payload)
		s.saltedPassword = pbkdf2.Key([]byte(s.password), s.salt, s.iters, sha256.Size, sha256.New)
		clientKey := hmacSum(s.saltedPassword, "Client Key")
		storedKey := sha256Sum2(clientKey)
		channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
		clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, s.serverNonce)
		authMessage := s.clientFirstBare + "," + s.serverFirstMsg + "," + clientFinalWithoutProof
		clientSignature := hmacSum(storedKey, authMessage)
		expectedProof := make([]byte, len(clientKey))
		for i := range clientKey {
			expectedProof[i] = clientKey[i] ^ clientSignature[i]
		}
		expectedProofB64 := base64.StdEncoding.EncodeToString(expectedProof)
		if !strings.Contains(clientFinalStr, "p="+expectedProofB64) {
			s.t.Fatalf("client proof mismatch: %s", clientFinalStr)
		}
		s.verified = true
		s.step++
	default:
		s.t.Fatalf("unexpected Send at step %d", s.step)
	}
	return nil
}

func (s *scriptedSCRAMServer) Next() (wire.Message, error) {
	switch s.step {
	case 1:
		return authMsg(wire.AuthSASLContinue, []byte(s.serverFirstMsg)), nil
	case 2:
		saltedPassword := s.saltedPassword
		clientKey := hmacSum(saltedPassword, "Client Key")
		storedKey := sha256Sum2(clientKey)
		channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
		clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, s.serverNonce)
		authMessage := s.clientFirstBare + "," + s.serverFirstMsg + "," + clientFinalWithoutProof
		_ = storedKey
		serverKey := hmacSum(saltedPassword, "Server Key")
		serverSig := hmacSum(serverKey, authMessage)
		serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSig)
		s.step++
		return authMsg(wire.AuthSASLFinal, []byte(serverFinal)), nil
	case 3:
		s.step++
		return authMsg(wire.AuthOK, nil), nil
	default:
		return wire.Message{}, fmt.Errorf("unexpected Next at step %d", s.step)
	}
}

func hmacSum(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Sum2(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func TestAuthenticateSCRAMUnsupportedMechanism(t *testing.T) {
	f := &fakeExchanger{}
	err := Authenticate(f, wire.AuthSASL, []byte("SCRAM-SHA-1\x00\x00"), "u", "p", nil)
	if err == nil {
		t.Fatal("expected error for unsupported mechanism")
	}
}

func TestParseServerFirst(t *testing.T) {
	salt := base64.StdEncoding.EncodeToString([]byte("somesalt"))
	msg := fmt.Sprintf("r=clientnonceservernonce,s=%s,i=4096", salt)

	nonce, saltBytes, iterations, err := parseServerFirst(msg)
	if err != nil {
		t.Fatalf("parseServerFirst: %v", err)
	}
	if nonce != "clientnonceservernonce" {
		t.Errorf("nonce = %q", nonce)
	}
	if string(saltBytes) != "somesalt" {
		t.Errorf("salt = %q", saltBytes)
	}
	if iterations != 4096 {
		t.Errorf("iterations = %d", iterations)
	}
}

func TestSASLEscapeUsername(t *testing.T) {
	cases := map[string]string{
		"user":   "user",
		"us=er":  "us=3Der",
		"us,er":  "us=2Cer",
		"u=s,er": "u=3Ds=2Cer",
	}
	for in, want := range cases {
		if got := saslEscapeUsername(in); got != want {
			t.Errorf("saslEscapeUsername(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSASLMechanisms(t *testing.T) {
	data := append(append([]byte("SCRAM-SHA-256"), 0), append([]byte("SCRAM-SHA-256-PLUS"), 0, 0)...)
	got := parseSASLMechanisms(data)
	want := []string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
