package internal

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// NewYAMLDecoder creates a new YAML decoder with strict mode and validation enabled.
func NewYAMLDecoder(reader io.Reader, opts ...yaml.DecodeOption) *yaml.Decoder {
	return yaml.NewDecoder(reader,
		append(opts,
			yaml.Strict(),
			yaml.Validator(NewValidator()))...)
}

// NewYAMLEncoder creates a new YAML encoder with an indentation of 2 spaces.
func NewYAMLEncoder(writer io.Writer, opts ...yaml.EncodeOption) *yaml.Encoder {
	return yaml.NewEncoder(writer,
		append(opts, yaml.Indent(2))...)
}

// NewValidator returns the struct validator shared by all decoders.
func NewValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// DescribeDecodeError turns a YAML decoding error into a readable, source-annotated error.
// Other errors are returned unchanged.
func DescribeDecodeError(err error) error {
	var yamlError yaml.Error
	if errors.As(err, &yamlError) {
		return fmt.Errorf("%s", yamlError.FormatError(false, true))
	}
	return err
}
