package entity

import (
	"fmt"
	"path/filepath"

	"github.com/smallfactory/sf/internal/sferr"
	"github.com/smallfactory/sf/internal/sfid"
	"github.com/smallfactory/sf/internal/txn"
)

// RevReleased is the symbolic revision selector dereferencing the
// released pointer at resolution time.
const RevReleased = "released"

// Alternate is one substitute candidate for a BOM line's target.
type Alternate struct {
	// Use is the substitute part sfid.
	Use string `yaml:"use"`

	// Rev overrides the revision selector for this alternate; empty
	// inherits the line's rev.
	Rev string `yaml:"rev,omitempty"`
}

// BOMLine is one ordered child reference in a part's bill of materials.
//
// Within one part's BOM, Use values are unique: multiplicity is expressed
// through Qty, never duplicate lines.
type BOMLine struct {
	// Use is the child entity sfid.
	Use string `yaml:"use"`

	// Qty is the per-parent quantity; defaults to 1, must be positive.
	Qty int `yaml:"qty"`

	// Rev selects the child revision: an explicit label, or "released".
	Rev string `yaml:"rev"`

	// When gates the line on a build configuration: every listed
	// key/value pair must match the config or the line is skipped.
	// An absent map means always included.
	When map[string]string `yaml:"when,omitempty"`

	// Alternates are substitutes tried in order when the primary
	// target has no valid released revision. Each alternate resolves
	// under the same rev selector as the line unless it carries its own.
	Alternates []Alternate `yaml:"alternates,omitempty"`

	// AlternatesGroup names a catalog group in sfdatarepo.yml tried
	// after the explicit alternates.
	AlternatesGroup string `yaml:"alternates_group,omitempty"`
}

// BOM returns the part's decoded, normalized BOM lines.
// A non-part or a part without a bom field yields nil.
func (r Record) BOM() ([]BOMLine, error) {
	raw, ok := r.Fields["bom"]
	if !ok {
		return nil, nil
	}
	lines, err := decodeBOM(raw)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", r.SFID, err)
	}
	return normalizeLines(lines), nil
}

// AddBOMLine appends a line to the part's BOM.
func (s *Store) AddBOMLine(id string, line BOMLine) (Record, *txn.Mutation, error) {
	return s.editBOM(id, fmt.Sprintf("Added BOM line %s to %s", line.Use, id),
		func(lines []BOMLine) ([]BOMLine, error) {
			return append(lines, line), nil
		})
}

// SetBOMLine replaces fields of the line at the given index.
// Zero-valued updates fields are left unchanged, except Rev which is
// always taken as given when non-empty.
func (s *Store) SetBOMLine(id string, index int, updated BOMLine) (Record, *txn.Mutation, error) {
	return s.editBOM(id, fmt.Sprintf("Updated BOM line %d of %s", index, id),
		func(lines []BOMLine) ([]BOMLine, error) {
			if index < 0 || index >= len(lines) {
				return nil, sferr.New(sferr.CodeNotFound, "BOM line %d does not exist", index).WithEntity(id).WithLine(index)
			}
			line := lines[index]
			if updated.Use != "" {
				line.Use = updated.Use
			}
			if updated.Qty != 0 {
				line.Qty = updated.Qty
			}
			if updated.Rev != "" {
				line.Rev = updated.Rev
			}
			if updated.When != nil {
				line.When = updated.When
			}
			if updated.Alternates != nil {
				line.Alternates = updated.Alternates
			}
			if updated.AlternatesGroup != "" {
				line.AlternatesGroup = updated.AlternatesGroup
			}
			lines[index] = line
			return lines, nil
		})
}

// RemoveBOMLine deletes the line at the given index.
func (s *Store) RemoveBOMLine(id string, index int) (Record, *txn.Mutation, error) {
	return s.editBOM(id, fmt.Sprintf("Removed BOM line %d from %s", index, id),
		func(lines []BOMLine) ([]BOMLine, error) {
			if index < 0 || index >= len(lines) {
				return nil, sferr.New(sferr.CodeNotFound, "BOM line %d does not exist", index).WithEntity(id).WithLine(index)
			}
			return append(lines[:index], lines[index+1:]...), nil
		})
}

// editBOM loads, edits, normalizes, validates, and persists the BOM.
func (s *Store) editBOM(id, summary string, edit func([]BOMLine) ([]BOMLine, error)) (Record, *txn.Mutation, error) {
	if err := sfid.Validate(id); err != nil {
		return Record{}, nil, err
	}
	if !sfid.IsPart(id) {
		return Record{}, nil, sferr.New(sferr.CodeValidationError, "BOM is only allowed on part entities").WithEntity(id)
	}
	data, err := s.read(id)
	if err != nil {
		return Record{}, nil, err
	}
	var lines []BOMLine
	if raw, ok := data["bom"]; ok {
		lines, err = decodeBOM(raw)
		if err != nil {
			return Record{}, nil, fmt.Errorf("entity %s: %w", id, err)
		}
	}
	lines, err = edit(lines)
	if err != nil {
		return Record{}, nil, err
	}
	lines = normalizeLines(lines)
	if err := validateLines(id, lines); err != nil {
		return Record{}, nil, err
	}
	if len(lines) == 0 {
		delete(data, "bom")
	} else {
		data["bom"] = encodeBOM(lines)
	}
	if err := s.write(id, data); err != nil {
		return Record{}, nil, err
	}

	rec := Record{SFID: id, Kind: sfid.KindPart, Fields: data}
	mut := &txn.Mutation{
		Summary:  summary,
		Entities: []string{id},
		Paths:    []string{filepath.Join("entities", id, "entity.yml")},
	}
	return rec, mut, nil
}

// decodeBOM converts the raw yaml value of the bom field into lines.
func decodeBOM(raw any) ([]BOMLine, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, sferr.New(sferr.CodeValidationError, "bom must be a list of lines")
	}
	lines := make([]BOMLine, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, sferr.New(sferr.CodeValidationError, "bom line %d must be a mapping", i).WithLine(i)
		}
		var line BOMLine
		if v, ok := m["use"].(string); ok {
			line.Use = v
		}
		switch v := m["qty"].(type) {
		case int:
			line.Qty = v
		case nil:
		default:
			return nil, sferr.New(sferr.CodeValidationError, "bom line %d: qty must be an integer", i).WithLine(i)
		}
		if v, ok := m["rev"].(string); ok {
			line.Rev = v
		}
		if v, ok := m["when"].(map[string]any); ok {
			line.When = make(map[string]string, len(v))
			for k, vv := range v {
				line.When[k] = fmt.Sprintf("%v", vv)
			}
		}
		if v, ok := m["alternates"].([]any); ok {
			for j, a := range v {
				switch alt := a.(type) {
				case string:
					line.Alternates = append(line.Alternates, Alternate{Use: alt})
				case map[string]any:
					var parsed Alternate
					if u, ok := alt["use"].(string); ok {
						parsed.Use = u
					}
					if rv, ok := alt["rev"].(string); ok {
						parsed.Rev = rv
					}
					line.Alternates = append(line.Alternates, parsed)
				default:
					return nil, sferr.New(sferr.CodeValidationError,
						"bom line %d: alternate %d must be a sfid or a mapping", i, j).WithLine(i)
				}
			}
		}
		if v, ok := m["alternates_group"].(string); ok {
			line.AlternatesGroup = v
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// encodeBOM converts lines back to the persisted yaml shape, omitting
// empty optional fields so the file stays hand-readable.
func encodeBOM(lines []BOMLine) []any {
	out := make([]any, len(lines))
	for i, line := range lines {
		m := map[string]any{
			"use": line.Use,
			"qty": line.Qty,
			"rev": line.Rev,
		}
		if len(line.When) > 0 {
			when := make(map[string]any, len(line.When))
			for k, v := range line.When {
				when[k] = v
			}
			m["when"] = when
		}
		if len(line.Alternates) > 0 {
			alts := make([]any, len(line.Alternates))
			for j, a := range line.Alternates {
				am := map[string]any{"use": a.Use}
				if a.Rev != "" {
					am["rev"] = a.Rev
				}
				alts[j] = am
			}
			m["alternates"] = alts
		}
		if line.AlternatesGroup != "" {
			m["alternates_group"] = line.AlternatesGroup
		}
		out[i] = m
	}
	return out
}

// normalizeLines applies the single defaulting step: qty=1, rev="released".
func normalizeLines(lines []BOMLine) []BOMLine {
	for i := range lines {
		if lines[i].Qty == 0 {
			lines[i].Qty = 1
		}
		if lines[i].Rev == "" {
			lines[i].Rev = RevReleased
		}
	}
	return lines
}

// validateLines enforces the BOM invariants after normalization.
func validateLines(id string, lines []BOMLine) error {
	seen := make(map[string]bool, len(lines))
	for i, line := range lines {
		if err := sfid.Validate(line.Use); err != nil {
			return sferr.New(sferr.CodeValidationError, "bom line %d: invalid child sfid %q", i, line.Use).WithEntity(id).WithLine(i)
		}
		if line.Qty <= 0 {
			return sferr.New(sferr.CodeValidationError, "bom line %d: qty must be positive", i).WithEntity(id).WithLine(i)
		}
		if seen[line.Use] {
			return sferr.New(sferr.CodeValidationError, "bom line %d: duplicate child %s; use qty for multiplicity", i, line.Use).WithEntity(id).WithLine(i)
		}
		seen[line.Use] = true
		for _, alt := range line.Alternates {
			if err := sfid.Validate(alt.Use); err != nil {
				return sferr.New(sferr.CodeValidationError, "bom line %d: invalid alternate sfid %q", i, alt.Use).WithEntity(id).WithLine(i)
			}
		}
	}
	return nil
}

// validateBOM is the entry point used by record-level validation.
func validateBOM(id string, raw any) error {
	lines, err := decodeBOM(raw)
	if err != nil {
		return err
	}
	return validateLines(id, normalizeLines(lines))
}
