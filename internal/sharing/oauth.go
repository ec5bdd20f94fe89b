package sharing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

const SharingAudience = "relayshare-sharing"

// Client is an OAuth client registered for a peer of a sharing. The peer
// authenticates with tokens issued for it; deleting the client revokes them.
type Client struct {
	ID        string    `json:"client_id"`
	Secret    string    `json:"client_secret"`
	SharingID string    `json:"sharing_id"`
	Peer      string    `json:"peer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Claims struct {
	SharingID string `json:"sharing_id"`
	jwt.RegisteredClaims
}

// ClientID is the subject of the token.
func (c *Claims) ClientID() string {
	return c.Subject
}

type TokenIssuer struct {
	store  *docstore.Store
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenIssuer(store *docstore.Store, secret []byte, issuer string) *TokenIssuer {
	return &TokenIssuer{
		store:  store,
		secret: append([]byte(nil), secret...),
		issuer: issuer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (t *TokenIssuer) RegisterClient(sharingID, peer string) (*Client, error) {
	secret, err := randomHex(24)
	if err != nil {
		return nil, err
	}
	client := &Client{
		ID:        docstore.NewID(),
		Secret:    secret,
		SharingID: sharingID,
		Peer:      peer,
		CreatedAt: t.now(),
	}
	body, err := json.Marshal(client)
	if err != nil {
		return nil, err
	}
	if _, err := t.store.Create(&docstore.Document{
		ID:         client.ID,
		Doctype:    docstore.DoctypeOAuthClients,
		Attributes: body,
	}); err != nil {
		return nil, err
	}
	return client, nil
}

func (t *TokenIssuer) Client(clientID string) (*Client, error) {
	doc, err := t.store.Get(docstore.DoctypeOAuthClients, clientID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrRevoked
		}
		return nil, err
	}
	var client Client
	if err := json.Unmarshal(doc.Attributes, &client); err != nil {
		return nil, fmt.Errorf("%w: oauth client %s: %v", docstore.ErrCorrupted, clientID, err)
	}
	return &client, nil
}

// DeleteClient revokes every token issued for the client. Deleting an
// unknown client is not an error.
func (t *TokenIssuer) DeleteClient(clientID string) error {
	if clientID == "" {
		return nil
	}
	doc, err := t.store.Get(docstore.DoctypeOAuthClients, clientID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = t.store.Delete(docstore.DoctypeOAuthClients, clientID, doc.Rev)
	return err
}

func (t *TokenIssuer) Issue(client *Client) (string, error) {
	now := t.now()
	jti, err := randomHex(8)
	if err != nil {
		return "", err
	}
	claims := Claims{
		SharingID: client.SharingID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   t.issuer,
			Subject:  client.ID,
			Audience: jwt.ClaimStrings{SharingAudience},
			IssuedAt: jwt.NewNumericDate(now),
			ID:       jti,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Exchange returns a fresh token for a client authenticating with its secret.
func (t *TokenIssuer) Exchange(clientID, secret string) (string, error) {
	client, err := t.Client(clientID)
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(secret)) != 1 {
		return "", ErrForbidden
	}
	return t.Issue(client)
}

// Verify checks the signature and audience of a sharing token and that its
// client still exists for the sharing.
func (t *TokenIssuer) Verify(raw, sharingID string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(SharingAudience),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if sharingID != "" && claims.SharingID != sharingID {
		return nil, fmt.Errorf("%w: token is for another sharing", ErrForbidden)
	}
	client, err := t.Client(claims.Subject)
	if err != nil {
		return nil, err
	}
	if client.SharingID != claims.SharingID {
		return nil, ErrRevoked
	}
	return claims, nil
}
