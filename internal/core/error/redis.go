package errx

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

// WrapRedis maps Redis errors to AppError with appropriate status codes.
func WrapRedis(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return newKind(KindConfiguration, http.StatusNotFound, err, RedisNotFoundMessage)
	}
	return Upstream(err, RedisErrorMessage)
}

// WrapPostgres maps pgx errors the same way: no rows is a missing record,
// everything else is an upstream failure.
func WrapPostgres(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return newKind(KindConfiguration, http.StatusNotFound, err, PostgresNotFoundMessage)
	}
	return Upstream(err, PostgresErrorMessage)
}
