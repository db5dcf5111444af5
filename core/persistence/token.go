package persistence

import (
	"context"

	"github.com/google/uuid"
)

// Token identifies one unit of concurrent execution. Table locks are held per
// token, so a token may re-acquire locks it already holds, and Interrupt
// cancels the statements running under a token.
type Token string

type tokenKey struct{}

// NewToken returns a fresh token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// WithToken returns a context carrying tok.
func WithToken(ctx context.Context, tok Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, tok)
}

// TokenFrom returns the token carried by ctx.
func TokenFrom(ctx context.Context) (Token, bool) {
	tok, ok := ctx.Value(tokenKey{}).(Token)
	return tok, ok && tok != ""
}

// ensureToken returns ctx with a token, adding a fresh one when missing.
func ensureToken(ctx context.Context) (context.Context, Token) {
	if tok, ok := TokenFrom(ctx); ok {
		return ctx, tok
	}
	tok := NewToken()
	return WithToken(ctx, tok), tok
}
