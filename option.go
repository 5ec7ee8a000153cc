package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type OptionType uint8

const (
	TypeConfig OptionType = iota
	TypeLogger
	TypeWorkers
	TypeRegistry
	TypeScheduler
)

func (t OptionType) String() string {
	switch t {
	case TypeConfig:
		return "config"
	case TypeLogger:
		return "logger"
	case TypeWorkers:
		return "workers"
	case TypeRegistry:
		return "registry"
	case TypeScheduler:
		return "scheduler"
	default:
		return "option_unknown"
	}
}

type Option interface {
	Type() OptionType
	Value() interface{}
}

type optionConfig struct {
	v Config
}

func (o *optionConfig) Type() OptionType {
	return TypeConfig
}

func (o *optionConfig) Value() interface{} {
	return o.v
}

// WithConfig replaces the whole configuration. Options following it override
// individual fields.
func WithConfig(v Config) Option {
	return &optionConfig{
		v: v,
	}
}

type optionLogger struct {
	v *zap.Logger
}

func (o *optionLogger) Type() OptionType {
	return TypeLogger
}

func (o *optionLogger) Value() interface{} {
	return o.v
}

func WithLogger(v *zap.Logger) Option {
	return &optionLogger{
		v: v,
	}
}

type optionWorkers struct {
	v int
}

func (o *optionWorkers) Type() OptionType {
	return TypeWorkers
}

func (o *optionWorkers) Value() interface{} {
	return o.v
}

// WithWorkers sets the number of goroutines Run dispatches handlers on.
func WithWorkers(v int) Option {
	return &optionWorkers{
		v: v,
	}
}

type optionRegistry struct {
	v *prometheus.Registry
}

func (o *optionRegistry) Type() OptionType {
	return TypeRegistry
}

func (o *optionRegistry) Value() interface{} {
	return o.v
}

// WithRegistry registers the reactor metrics on v instead of a private
// registry.
func WithRegistry(v *prometheus.Registry) Option {
	return &optionRegistry{
		v: v,
	}
}

type optionScheduler struct {
	v Scheduler
}

func (o *optionScheduler) Type() OptionType {
	return TypeScheduler
}

func (o *optionScheduler) Value() interface{} {
	return o.v
}

// WithScheduler replaces the timerfd based scheduler used by timer selectors.
func WithScheduler(v Scheduler) Option {
	return &optionScheduler{
		v: v,
	}
}
