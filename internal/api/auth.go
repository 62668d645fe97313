package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Request headers carrying the caller identity.
const (
	HeaderAccount   = "X-Account"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// maxSignedBody caps the request body hashed into a signature.
const maxSignedBody = 1 << 20

var (
	errBadSignature = errors.New("signature does not match account")
	errStale        = errors.New("timestamp outside allowed skew")
	errBodyTooLarge = errors.New("request body too large")
)

type callerKey struct{}

// Caller returns the authenticated account of the request, if any.
func Caller(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(callerKey{}).(common.Address)
	return a, ok
}

// WithCaller returns ctx carrying account as the caller.
func WithCaller(ctx context.Context, account common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, account)
}

// Authenticator resolves the X-Account header to the request caller. With
// signatures required, the account must also have signed
// "<METHOD> <PATH>\n<X-Timestamp>\n<keccak256(body) hex>" as an EIP-191
// personal message.
type Authenticator struct {
	requireSignature bool
	maxSkew          time.Duration
	now              func() time.Time
}

func NewAuthenticator(requireSignature bool, maxSkew time.Duration) *Authenticator {
	return &Authenticator{
		requireSignature: requireSignature,
		maxSkew:          maxSkew,
		now:              time.Now,
	}
}

// Middleware attaches the caller to the request context. Requests without
// X-Account pass through anonymously; handlers that mutate state reject
// them.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(HeaderAccount)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !common.IsHexAddress(raw) {
			writeError(w, "invalid X-Account address", http.StatusBadRequest)
			return
		}
		account := common.HexToAddress(raw)

		if a.requireSignature {
			if err := a.verify(r, account); err != nil {
				writeError(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), account)))
	})
}

func (a *Authenticator) verify(r *http.Request, account common.Address) error {
	ts := r.Header.Get(HeaderTimestamp)
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s", HeaderTimestamp)
	}
	skew := a.now().Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return errStale
	}

	sig, err := hexutil.Decode(r.Header.Get(HeaderSignature))
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("invalid %s", HeaderSignature)
	}
	// Wallets produce v in {27,28}; recovery expects {0,1}.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	body, err := readBody(r)
	if err != nil {
		return err
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(signingPayload(r.Method, r.URL.Path, ts, body)), sig)
	if err != nil {
		return errBadSignature
	}
	if ethcrypto.PubkeyToAddress(*pub) != account {
		return errBadSignature
	}
	return nil
}

func signingPayload(method, path, ts string, body []byte) []byte {
	return []byte(method + " " + path + "\n" + ts + "\n" + hexutil.Encode(ethcrypto.Keccak256(body)))
}

// readBody drains r.Body and puts an equivalent reader back.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxSignedBody {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// SignRequest sets the identity headers on req, signing with key at ts.
// The body is read and replaced, so set it before signing.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, ts time.Time) error {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	body, err := readBody(req)
	if err != nil {
		return fmt.Errorf("api: sign request: %w", err)
	}
	sig, err := ethcrypto.Sign(accounts.TextHash(signingPayload(req.Method, req.URL.Path, stamp, body)), key)
	if err != nil {
		return fmt.Errorf("api: sign request: %w", err)
	}
	sig[64] += 27

	req.Header.Set(HeaderAccount, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}
