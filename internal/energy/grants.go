package energy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrGrantsDisabled is returned when no grant secret is configured.
	ErrGrantsDisabled = errors.New("energy grants are not configured")
	// ErrInvalidGrant covers bad signatures, expired tokens and malformed claims.
	ErrInvalidGrant = errors.New("invalid energy grant")
	// ErrGrantRedeemed is returned for a grant whose id was already used.
	ErrGrantRedeemed = errors.New("energy grant already redeemed")
)

const grantSubject = "energy-grant"

type grantClaims struct {
	Amount int `json:"amt"`
	jwt.RegisteredClaims
}

// IssueGrant signs a single-use recharge token worth amount.
func (l *Ledger) IssueGrant(amount int, ttl time.Duration) (string, error) {
	if len(l.secret) == 0 {
		return "", ErrGrantsDisabled
	}
	if amount <= 0 {
		return "", fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	now := l.clock.Now()
	claims := grantClaims{
		Amount: amount,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   grantSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(l.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign grant: %w", err)
	}
	return signed, nil
}

// Redeem validates a grant, credits its amount once, and returns the new
// balance. Queued retries are run afterwards like for any credit.
func (l *Ledger) Redeem(ctx context.Context, token string) (int, error) {
	claims, err := l.parseGrant(strings.TrimSpace(token))
	if err != nil {
		return 0, err
	}

	var balance int
	err = l.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM redeemed_grants WHERE jti = ?`, claims.ID).Scan(&exists)
		if err == nil {
			return ErrGrantRedeemed
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up grant: %w", err)
		}

		current, err := l.refill(ctx, tx)
		if err != nil {
			return err
		}
		balance = current + claims.Amount
		if err := l.apply(ctx, tx, kindGrant, claims.Amount, balance, "grant "+claims.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO redeemed_grants (jti, amount, redeemed_at) VALUES (?, ?, ?)`,
			claims.ID, claims.Amount, l.clock.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to record grant: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	l.log.Info("energy grant redeemed", "amount", claims.Amount, "balance", balance)
	l.drainRetries(ctx)
	return balance, nil
}

func (l *Ledger) parseGrant(token string) (*grantClaims, error) {
	if len(l.secret) == 0 {
		return nil, ErrGrantsDisabled
	}
	claims := &grantClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return l.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(grantSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if claims.ID == "" || claims.Amount <= 0 {
		return nil, fmt.Errorf("%w: missing id or amount", ErrInvalidGrant)
	}
	return claims, nil
}
