// Package verification turns a comparison distance into a verified /
// not-verified verdict under either a caller-supplied or a model default
// threshold.
package verification

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// ErrInvalidThreshold is returned when a supplied threshold is not a finite number.
var ErrInvalidThreshold = errors.New("threshold must be a valid float value")

// decimalNumber matches plain decimal notation, with optional exponent and
// digit-group underscores. Hex floats are not accepted.
var decimalNumber = regexp.MustCompile(`^[+-]?(\d(_?\d)*(\.(\d(_?\d)*)?)?|\.\d(_?\d)*)([eE][+-]?\d(_?\d)*)?$`)

// ParseThreshold validates the optional threshold from a request body.
// A nil raw value means "not supplied" and yields a nil threshold.
func ParseThreshold(raw any) (*float64, error) {
	if raw == nil {
		return nil, nil
	}
	var (
		value float64
		err   error
	)
	switch v := raw.(type) {
	case bool:
		return nil, fmt.Errorf("%w: got boolean", ErrInvalidThreshold)
	case string:
		value, err = parseDecimal(strings.TrimSpace(v))
	default:
		value, err = cast.ToFloat64E(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%w: %v is not finite", ErrInvalidThreshold, value)
	}
	return &value, nil
}

func parseDecimal(s string) (float64, error) {
	if !decimalNumber.MatchString(s) {
		return 0, fmt.Errorf("%q is not a decimal number", s)
	}
	return strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), 64)
}

// Decision is the verdict rendered for one comparison.
type Decision struct {
	Distance  float64
	Threshold float64
	Verified  bool
	// ClientThreshold reports whether Threshold came from the caller.
	ClientThreshold bool
}

// Decide applies the effective threshold: the client's when supplied,
// otherwise modelDefault. Faces match when distance <= threshold.
func Decide(distance float64, client *float64, modelDefault float64) Decision {
	d := Decision{Distance: distance, Threshold: modelDefault}
	if client != nil {
		d.Threshold = *client
		d.ClientThreshold = true
	}
	d.Verified = distance <= d.Threshold
	return d
}
