package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// echoCaller writes the resolved caller, or "anonymous".
var echoCaller = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if a, ok := Caller(r.Context()); ok {
		w.Write([]byte(a.Hex()))
		return
	}
	w.Write([]byte("anonymous"))
})

func TestAuthenticator_HeaderOnly(t *testing.T) {
	h := NewAuthenticator(false, 0).Middleware(echoCaller)
	account := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

	req := httptest.NewRequest("GET", "/api/v1/listings", nil)
	req.Header.Set(HeaderAccount, account.Hex())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Body.String() != account.Hex() {
		t.Errorf("expected caller %s, got %q", account.Hex(), w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/listings", nil))
	if w.Body.String() != "anonymous" {
		t.Errorf("expected anonymous request, got %q", w.Body.String())
	}

	req = httptest.NewRequest("GET", "/api/v1/listings", nil)
	req.Header.Set(HeaderAccount, "0x123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed account, got %d", w.Code)
	}
}

func TestAuthenticator_Signature(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	other, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	now := time.Unix(1_700_000_000, 0)
	a := NewAuthenticator(true, time.Minute)
	a.now = func() time.Time { return now }
	h := a.Middleware(echoCaller)

	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/proceeds/withdraw", nil)
		if err := SignRequest(req, key, now); err != nil {
			t.Fatal(err)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		want := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Errorf("expected caller %s, got %d %q", want, w.Code, w.Body.String())
		}
	})

	t.Run("claims another account", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/proceeds/withdraw", nil)
		if err := SignRequest(req, other, now); err != nil {
			t.Fatal(err)
		}
		req.Header.Set(HeaderAccount, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("signed for another path", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/listings", nil)
		if err := SignRequest(req, key, now); err != nil {
			t.Fatal(err)
		}
		replay := httptest.NewRequest("POST", "/api/v1/proceeds/withdraw", nil)
		replay.Header = req.Header.Clone()
		w := httptest.NewRecorder()
		h.ServeHTTP(w, replay)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/listings/0x01/0/buy", strings.NewReader(`{"payment":"5"}`))
		if err := SignRequest(req, key, now); err != nil {
			t.Fatal(err)
		}
		forged := httptest.NewRequest("POST", "/api/v1/listings/0x01/0/buy", strings.NewReader(`{"payment":"500"}`))
		forged.Header = req.Header.Clone()
		w := httptest.NewRecorder()
		h.ServeHTTP(w, forged)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("stale", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/proceeds/withdraw", nil)
		if err := SignRequest(req, key, now.Add(-2*time.Minute)); err != nil {
			t.Fatal(err)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/proceeds/withdraw", nil)
		req.Header.Set(HeaderAccount, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})
}

func TestAuthenticator_SignedBodyReachesHandler(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	a := NewAuthenticator(true, time.Minute)
	a.now = func() time.Time { return now }

	var got string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
	}))

	const body = `{"price":"7"}`
	req := httptest.NewRequest("PUT", "/api/v1/listings/0x01/0", strings.NewReader(body))
	if err := SignRequest(req, key, now); err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got != body {
		t.Errorf("handler must see the signed body, got %q", got)
	}
}
