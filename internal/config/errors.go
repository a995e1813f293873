package config

import "errors"

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrInvalidFixture = errors.New("invalid fixture")
)
