package httpserver

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// validateStruct runs validator tags over a request DTO and collapses field
// failures into one ErrValidation message. The domain value-object
// constructors remain authoritative; this pass just rejects the obviously
// malformed early with field names attached.
func validateStruct(v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: request validation failed", domain.ErrValidation)
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, strings.ToLower(fe.Field())+" "+fe.Tag())
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(parts, "; "))
}

func validateJobID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: job id required", domain.ErrValidation)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: job id must be a UUID", domain.ErrValidation)
	}
	return nil
}

// parseListQuery turns list query parameters into a job filter plus
// pagination. Unknown filter values are rejected rather than ignored so that
// a typo never silently widens a query.
func parseListQuery(q url.Values) (domain.JobFilter, int, int, error) {
	var f domain.JobFilter
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseJobStatus(v)
		if err != nil {
			return f, 0, 0, err
		}
		f.Status = st
	}
	if v := q.Get("channel"); v != "" {
		ch, err := domain.NewChannel(v)
		if err != nil {
			return f, 0, 0, err
		}
		f.Channel = ch
	}
	if v := q.Get("type"); v != "" {
		jt, err := domain.ParseJobType(v)
		if err != nil {
			return f, 0, 0, err
		}
		f.Type = jt
	}
	limit, err := queryInt(q, "limit")
	if err != nil {
		return f, 0, 0, err
	}
	offset, err := queryInt(q, "offset")
	if err != nil {
		return f, 0, 0, err
	}
	return f, limit, offset, nil
}

func queryInt(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrValidation, name)
	}
	return n, nil
}
