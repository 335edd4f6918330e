package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Beam  int     `json:"beam_size" validate:"gte=1,lte=10"`
	Ratio float64 `label:"Ratio" validate:"gte=0,lte=1"`
	Kind  string  `mapstructure:"kind" validate:"required,oneof=a b"`
}

func TestStructAcceptsValidInput(t *testing.T) {
	t.Parallel()

	require.NoError(t, Struct(sample{Beam: 1, Ratio: 1, Kind: "a"}))
	require.NoError(t, Struct(sample{Beam: 10, Ratio: 0, Kind: "b"}))
}

func TestStructReportsEveryField(t *testing.T) {
	t.Parallel()

	err := Struct(sample{Beam: 11, Ratio: -0.5, Kind: "c"})
	require.ErrorIs(t, err, ErrInvalid)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	require.Equal(t, []FieldError{
		{Field: "beam_size", Message: "must be at most 10"},
		{Field: "Ratio", Message: "must be at least 0"},
		{Field: "kind", Message: "must be one of: a b"},
	}, verr.Fields)
	require.Equal(t, "beam_size must be at most 10; Ratio must be at least 0; kind must be one of: a b", err.Error())
}

func TestStructRequired(t *testing.T) {
	t.Parallel()

	err := Struct(sample{Beam: 5, Ratio: 0.5})
	require.ErrorContains(t, err, "kind is required")
}
