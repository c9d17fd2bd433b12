package profile

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"wellness-planner/internal/clock"

	"gopkg.in/yaml.v3"
)

// Meal is a recurring meal slot.
type Meal struct {
	Name string `yaml:"name"`
	Time string `yaml:"time"`
}

// UserProfile carries the user's routine and goals. It is an input to plan
// generation only; the engine never writes it back.
type UserProfile struct {
	Name                     string   `yaml:"name"`
	WakeTime                 string   `yaml:"wake_time"`
	SleepTime                string   `yaml:"sleep_time"`
	WorkStart                string   `yaml:"work_start"`
	WorkEnd                  string   `yaml:"work_end"`
	Meals                    []Meal   `yaml:"meals"`
	WorkoutTime              string   `yaml:"workout_time"`
	WorkoutMinutes           int      `yaml:"workout_minutes"`
	HydrationIntervalMinutes int      `yaml:"hydration_interval_minutes"`
	WeightCheckDays          []string `yaml:"weight_check_days"`
	Goals                    []string `yaml:"goals"`
	DietaryNotes             string   `yaml:"dietary_notes"`
}

// Default returns a reasonable routine for users without a profile file.
func Default() UserProfile {
	return UserProfile{
		Name:      "friend",
		WakeTime:  "07:00",
		SleepTime: "23:00",
		WorkStart: "09:00",
		WorkEnd:   "18:00",
		Meals: []Meal{
			{Name: "Breakfast", Time: "07:30"},
			{Name: "Lunch", Time: "12:30"},
			{Name: "Dinner", Time: "19:30"},
		},
		WorkoutTime:              "18:30",
		WorkoutMinutes:           30,
		HydrationIntervalMinutes: 120,
		WeightCheckDays:          []string{"monday"},
		Goals:                    []string{"stay consistent"},
	}
}

// Load reads a YAML profile from path. An empty path yields Default().
// Fields missing from the file keep their default values.
func Load(path string) (UserProfile, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return UserProfile{}, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML profile payload.
func Parse(data []byte) (UserProfile, error) {
	p := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return UserProfile{}, fmt.Errorf("failed to decode profile: %w", err)
	}
	if err := p.normalize(); err != nil {
		return UserProfile{}, err
	}
	return p, nil
}

func (p *UserProfile) normalize() error {
	fields := map[string]*string{
		"wake_time":    &p.WakeTime,
		"sleep_time":   &p.SleepTime,
		"work_start":   &p.WorkStart,
		"work_end":     &p.WorkEnd,
		"workout_time": &p.WorkoutTime,
	}
	for name, field := range fields {
		if *field == "" {
			continue
		}
		hhmm, ok := clock.ParseHHMM(*field)
		if !ok {
			return fmt.Errorf("invalid profile %s %q", name, *field)
		}
		*field = hhmm
	}
	for i := range p.Meals {
		hhmm, ok := clock.ParseHHMM(p.Meals[i].Time)
		if !ok {
			return fmt.Errorf("invalid time %q for meal %q", p.Meals[i].Time, p.Meals[i].Name)
		}
		p.Meals[i].Time = hhmm
	}
	if p.HydrationIntervalMinutes < 0 {
		return fmt.Errorf("hydration_interval_minutes must not be negative")
	}
	for i, d := range p.WeightCheckDays {
		p.WeightCheckDays[i] = strings.ToLower(strings.TrimSpace(d))
	}
	return nil
}

// WeighInOn reports whether day is one of the configured weight-check days.
func (p UserProfile) WeighInOn(day time.Weekday) bool {
	name := strings.ToLower(day.String())
	for _, d := range p.WeightCheckDays {
		if d == name || (len(d) == 3 && strings.HasPrefix(name, d)) {
			return true
		}
	}
	return false
}
