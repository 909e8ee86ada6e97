package telemetry

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/wellscope/relay/common"
)

// topicSafeIDPattern is the charset allowed in tenant and well IDs. Keeping
// broker topic metacharacters out of IDs makes the topic <-> tenant mapping
// invertible.
var topicSafeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ReadingValidator normalizes and validates inbound telemetry samples
type ReadingValidator interface {
	// ParseAndValidate decode a raw candidate reading and validate it
	ParseAndValidate(payload []byte) (Reading, error)
	// ValidateReading validate an already decoded reading
	ValidateReading(reading Reading) error
}

// readingValidatorImpl implements ReadingValidator
type readingValidatorImpl struct {
	validate      *validator.Validate
	clock         clock.Clock
	maxFutureSkew time.Duration
}

// GetReadingValidator define a new ReadingValidator.
//
// maxFutureSkew bounds how far in the future a reading's timestamp may sit
// before the reading is rejected.
func GetReadingValidator(clk clock.Clock, maxFutureSkew time.Duration) (ReadingValidator, error) {
	validate := validator.New()
	if err := validate.RegisterValidation("topic_safe", func(fl validator.FieldLevel) bool {
		return topicSafeIDPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}
	return &readingValidatorImpl{
		validate: validate, clock: clk, maxFutureSkew: maxFutureSkew,
	}, nil
}

// ParseAndValidate decode a raw candidate reading and validate it
func (v *readingValidatorImpl) ParseAndValidate(payload []byte) (Reading, error) {
	var reading Reading
	if err := json.Unmarshal(payload, &reading); err != nil {
		return Reading{}, &common.ValidationError{
			Field: "payload", Reason: err.Error(),
		}
	}
	if err := v.ValidateReading(reading); err != nil {
		return Reading{}, err
	}
	return reading, nil
}

// ValidateReading validate an already decoded reading
func (v *readingValidatorImpl) ValidateReading(reading Reading) error {
	if err := v.validate.Struct(&reading); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return &common.ValidationError{
				Field:  first.Field(),
				Reason: "failed '" + first.Tag() + "' check",
			}
		}
		return &common.ValidationError{Field: "reading", Reason: err.Error()}
	}
	if reading.Timestamp.After(v.clock.Now().Add(v.maxFutureSkew)) {
		return &common.ValidationError{
			Field: "Timestamp", Reason: "timestamp too far in the future",
		}
	}
	return nil
}
