package driverabi

import (
	"regexp"

	"github.com/monisens/monisens/pkg/merrors"
)

// ValidateConf checks a client-submitted ConfEntry tree against the
// ConfInfoEntry tree the driver described, before the Controller forwards it
// to Connect or Configure. The original implementation performs this
// client-side check rather than trusting the driver to reject bad input;
// supplemented here for the same reason (see SPEC_FULL.md §12).
func ValidateConf(info []ConfInfoEntry, entries []ConfEntry) error {
	byID := make(map[int32]ConfInfoEntry, len(info))
	for _, e := range info {
		byID[e.ID] = e
	}

	for _, entry := range entries {
		def, ok := byID[entry.ID]
		if !ok {
			return merrors.InvalidArgumentf("conf entry %d: no matching declaration", entry.ID)
		}
		if err := validateOne(def, entry); err != nil {
			return err
		}
	}
	return nil
}

func validateOne(def ConfInfoEntry, entry ConfEntry) error {
	if def.Kind != entry.Kind {
		return merrors.InvalidArgumentf("conf entry %q: expected kind %s, got %s", def.Name, def.Kind, entry.Kind)
	}

	switch def.Kind {
	case ConfKindSection:
		return ValidateConf(def.Section, entry.Section)
	case ConfKindString:
		c := def.String
		if c.Required && entry.String == "" {
			return merrors.InvalidArgumentf("conf entry %q: required", def.Name)
		}
		if c.MinLen != nil && int32(len(entry.String)) < *c.MinLen {
			return merrors.InvalidArgumentf("conf entry %q: shorter than min_len", def.Name)
		}
		if c.MaxLen != nil && int32(len(entry.String)) > *c.MaxLen {
			return merrors.InvalidArgumentf("conf entry %q: longer than max_len", def.Name)
		}
		if c.MatchRegex != nil {
			re, err := regexp.Compile(*c.MatchRegex)
			if err != nil {
				return merrors.InvalidArgumentf("conf entry %q: invalid match_regex: %v", def.Name, err)
			}
			if !re.MatchString(entry.String) {
				return merrors.InvalidArgumentf("conf entry %q: does not match_regex", def.Name)
			}
		}
	case ConfKindInt:
		c := def.Int
		v := entry.Int
		if c.Lt != nil && v >= *c.Lt {
			return merrors.InvalidArgumentf("conf entry %q: must be < %d", def.Name, *c.Lt)
		}
		if c.Gt != nil && v <= *c.Gt {
			return merrors.InvalidArgumentf("conf entry %q: must be > %d", def.Name, *c.Gt)
		}
		if c.Neq != nil && v == *c.Neq {
			return merrors.InvalidArgumentf("conf entry %q: must not equal %d", def.Name, *c.Neq)
		}
	case ConfKindIntRange:
		c := def.IntRange
		if entry.IntRangeFrom < c.Min || entry.IntRangeTo > c.Max || entry.IntRangeFrom > entry.IntRangeTo {
			return merrors.InvalidArgumentf("conf entry %q: range out of [%d,%d]", def.Name, c.Min, c.Max)
		}
	case ConfKindFloat:
		c := def.Float
		v := entry.Float
		if c.Lt != nil && v >= *c.Lt {
			return merrors.InvalidArgumentf("conf entry %q: must be < %v", def.Name, *c.Lt)
		}
		if c.Gt != nil && v <= *c.Gt {
			return merrors.InvalidArgumentf("conf entry %q: must be > %v", def.Name, *c.Gt)
		}
		if c.Neq != nil && v == *c.Neq {
			return merrors.InvalidArgumentf("conf entry %q: must not equal %v", def.Name, *c.Neq)
		}
	case ConfKindFloatRange:
		c := def.FloatRange
		if entry.FloatRangeFrom < c.Min || entry.FloatRangeTo > c.Max || entry.FloatRangeFrom > entry.FloatRangeTo {
			return merrors.InvalidArgumentf("conf entry %q: range out of [%v,%v]", def.Name, c.Min, c.Max)
		}
	case ConfKindJSON:
		if def.JSON.Required && entry.JSON == "" {
			return merrors.InvalidArgumentf("conf entry %q: required", def.Name)
		}
	case ConfKindChoiceList:
		c := def.ChoiceList
		if c.Required && entry.ChoiceID == 0 {
			return merrors.InvalidArgumentf("conf entry %q: required", def.Name)
		}
		if entry.ChoiceID != 0 && (entry.ChoiceID < 1 || int(entry.ChoiceID) > len(c.Choices)) {
			return merrors.InvalidArgumentf("conf entry %q: choice id out of range", def.Name)
		}
	}
	return nil
}
