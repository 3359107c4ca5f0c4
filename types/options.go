package types

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
)

// Hardware profile tags understood by the adaptive timeout.
const (
	HardwareLowEnd   = "low-end"
	HardwareCPU      = "cpu"
	HardwareStandard = "standard"
	HardwareGPU      = "gpu"
	HardwareHighEnd  = "high-end"
)

var hardwareFactors = map[string]float64{
	HardwareLowEnd:   2.5,
	HardwareCPU:      2.0,
	HardwareStandard: 1.0,
	HardwareGPU:      0.6,
	HardwareHighEnd:  0.4,
}

// HardwareFactor returns the timeout multiplier of a hardware profile.
// Unknown or empty profiles count as standard.
func HardwareFactor(profile string) float64 {
	if f, ok := hardwareFactors[profile]; ok {
		return f
	}
	return 1.0
}

type Validater interface {
	Validate() map[string]string
}

// PostProcessingOptions switches the best-effort assembly passes.
type PostProcessingOptions struct {
	ReferenceResolution   bool `json:"reference_resolution" mapstructure:"reference_resolution"`
	RedundancyDetection   bool `json:"redundancy_detection" mapstructure:"redundancy_detection"`
	CoherenceOptimization bool `json:"coherence_optimization" mapstructure:"coherence_optimization"`
}

// ProcessingOptions controls a single processing run.
type ProcessingOptions struct {
	Prompt string `json:"prompt" mapstructure:"prompt"`
	Model  string `json:"model" mapstructure:"model" validate:"required"`

	BatchSize  int `json:"batch_size" mapstructure:"batch_size" validate:"min=1,max=64"`
	MaxRetries int `json:"max_retries" mapstructure:"max_retries" validate:"min=0,max=10"`

	BaseTimeout        time.Duration `json:"base_timeout" mapstructure:"base_timeout" validate:"gt=0"`
	MaxTimeout         time.Duration `json:"max_timeout" mapstructure:"max_timeout" validate:"gtefield=BaseTimeout"`
	TimeoutScaleFactor float64       `json:"timeout_scale_factor" mapstructure:"timeout_scale_factor" validate:"gte=1"`
	AdaptiveTimeout    bool          `json:"adaptive_timeout" mapstructure:"adaptive_timeout"`
	HardwareProfile    string        `json:"hardware_profile" mapstructure:"hardware_profile" validate:"omitempty,oneof=low-end cpu standard gpu high-end"`
	ReferenceSize      int           `json:"reference_size" mapstructure:"reference_size" validate:"min=1"`

	AcceptPartialResults   bool `json:"accept_partial_results" mapstructure:"accept_partial_results"`
	MinPartialResultLength int  `json:"min_partial_result_length" mapstructure:"min_partial_result_length" validate:"min=0"`

	CheckpointEnabled  bool `json:"checkpoint_enabled" mapstructure:"checkpoint_enabled"`
	CheckpointInterval int  `json:"checkpoint_interval" mapstructure:"checkpoint_interval" validate:"min=1"`

	MemoryBudget int64 `json:"memory_budget" mapstructure:"-" validate:"min=0"`

	BackoffBase   time.Duration `json:"backoff_base" mapstructure:"backoff_base" validate:"gte=0"`
	BackoffMax    time.Duration `json:"backoff_max" mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	AdaptiveBatch bool          `json:"adaptive_batch" mapstructure:"adaptive_batch"`

	PostProcessing PostProcessingOptions `json:"post_processing" mapstructure:"post_processing"`
}

// DefaultOptions returns options tuned for a local backend on commodity hardware.
func DefaultOptions() ProcessingOptions {
	return ProcessingOptions{
		Prompt:                 "Summarize the following part of a document. Keep facts, names and numbers.",
		Model:                  "llama3.1",
		BatchSize:              2,
		MaxRetries:             3,
		BaseTimeout:            60 * time.Second,
		MaxTimeout:             10 * time.Minute,
		TimeoutScaleFactor:     1.5,
		AdaptiveTimeout:        true,
		HardwareProfile:        HardwareStandard,
		ReferenceSize:          1000,
		AcceptPartialResults:   true,
		MinPartialResultLength: 200,
		CheckpointEnabled:      true,
		CheckpointInterval:     5,
		MemoryBudget:           64 << 20,
		BackoffBase:            time.Second,
		BackoffMax:             30 * time.Second,
	}
}

func (o *ProcessingOptions) Validate() map[string]string {
	validate := validator.New()
	if err := validate.Struct(o); err != nil {
		errs := err.(validator.ValidationErrors)
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

func NewValidationError(errors map[string]string) ValidationError {
	return ValidationError{
		Status: http.StatusUnprocessableEntity,
		Errors: errors,
	}
}

type ValidationError struct {
	Status int               `json:"status"`
	Errors map[string]string `json:"errors"`
}

func (e ValidationError) Error() string {
	return "validation failed"
}
