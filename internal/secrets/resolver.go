package secrets

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	pkgsecrets "github.com/Checker-Finance/pricewatch/pkg/secrets"
	"github.com/Checker-Finance/pricewatch/pkg/utils"
)

// Resolver turns named secrets into connection settings, caching resolved values.
type Resolver struct {
	logger   *zap.Logger
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[string]
}

func NewResolver(logger *zap.Logger, provider pkgsecrets.Provider, cache *pkgsecrets.Cache[string]) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger, provider: provider, cache: cache}
}

// DSN builds a Postgres URL from the secret. A "dsn" field wins; otherwise host,
// port, username, password, dbname and sslmode are assembled.
func (r *Resolver) DSN(ctx context.Context, name string) (string, error) {
	return r.resolve(ctx, "dsn|"+name, name, func(m map[string]string) (string, error) {
		if dsn := m["dsn"]; dsn != "" {
			return dsn, nil
		}
		if m["host"] == "" || m["dbname"] == "" {
			return "", fmt.Errorf("secret [%s] missing host or dbname", name)
		}
		host := m["host"]
		if port := m["port"]; port != "" {
			host += ":" + port
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   host,
			Path:   "/" + m["dbname"],
		}
		if m["username"] != "" {
			u.User = url.UserPassword(m["username"], m["password"])
		}
		if ssl := m["sslmode"]; ssl != "" {
			u.RawQuery = url.Values{"sslmode": []string{ssl}}.Encode()
		}
		return u.String(), nil
	})
}

// Field returns one field of a secret, e.g. a webhook token.
func (r *Resolver) Field(ctx context.Context, name, field string) (string, error) {
	return r.resolve(ctx, "field|"+name+"|"+field, name, func(m map[string]string) (string, error) {
		v, ok := m[field]
		if !ok || v == "" {
			return "", fmt.Errorf("secret [%s] has no field %q", name, field)
		}
		return v, nil
	})
}

// Bust forgets cached values derived from name.
func (r *Resolver) Bust(name string) {
	if r.cache == nil {
		return
	}
	r.cache.Bust("dsn|" + name)
}

func (r *Resolver) resolve(ctx context.Context, cacheKey, name string, parse func(map[string]string) (string, error)) (string, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(cacheKey); ok {
			return v, nil
		}
	}

	raw, err := r.provider.GetSecret(ctx, name)
	if err != nil {
		r.logger.Error("secrets.fetch_failed", zap.String("secret", name), zap.Error(err))
		return "", err
	}
	v, err := parse(raw)
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		r.cache.Put(cacheKey, v)
	}
	r.logger.Info("secrets.resolved", zap.String("secret", name), zap.String("value", utils.MaskDSN(v)))
	return v, nil
}
