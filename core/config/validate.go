package config

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Validate checks the loaded configuration for values the pipeline cannot
// run with. Transports may be left unconfigured (their adapters disable
// themselves), but structural knobs must be coherent.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Pool,
		validation.Field(&c.Pool.Min, validation.Required, validation.Min(1)),
		validation.Field(&c.Pool.Max, validation.Required, validation.Min(c.Pool.Min)),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.FollowUp,
		validation.Field(&c.FollowUp.StartHour, validation.Min(0), validation.Max(23)),
		validation.Field(&c.FollowUp.EndHour, validation.Min(c.FollowUp.StartHour+1), validation.Max(24)),
		validation.Field(&c.FollowUp.Timezone, validation.Required),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.Driver, validation.Required, validation.In("sqlite", "postgres")),
		validation.Field(&c.Database.Name, validation.Required),
	); err != nil {
		return err
	}
	return validation.ValidateStruct(&c.Rate,
		validation.Field(&c.Rate.PerUserPerMin, validation.Min(1)),
		validation.Field(&c.Rate.PerIPPerMin, validation.Min(1)),
		validation.Field(&c.Rate.GlobalPerMin, validation.Min(1)),
	)
}
