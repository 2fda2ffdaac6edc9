package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"edu-vision/server/internal/model"
)

// Catalog 设置菜单里可选的年级、辅导风格与语言。
type Catalog struct {
	GradeLevels []model.GradeLevel `json:"grade_levels"`
	Personas    []string           `json:"personas"`
	Languages   []string           `json:"languages"`
}

// DefaultCatalog 内置菜单。
func DefaultCatalog() Catalog {
	return Catalog{
		GradeLevels: model.GradeLevels(),
		Personas: []string{
			model.DefaultPersona,
			"Problem Solver (Step-by-Step)",
			"Exam Booster",
			"Socratic Method (Teach-Back)",
			"Explain Like I'm 5",
			"Career/Real-World Application",
		},
		Languages: []string{
			model.DefaultLanguage,
			"Spanish",
			"French",
			"German",
			"Hindi",
			"Tamil",
			"Mandarin",
			"Arabic",
		},
	}
}

// LoadCatalog 从 JSON 文件加载菜单；文件里缺的列表沿用内置值。
func LoadCatalog(path string) (Catalog, error) {
	cat := DefaultCatalog()
	if path == "" {
		return cat, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}

	var override Catalog
	if err := json.Unmarshal(data, &override); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	for _, g := range override.GradeLevels {
		if !g.Valid() {
			return Catalog{}, fmt.Errorf("parse catalog: unknown grade level %q", g)
		}
	}
	if len(override.GradeLevels) > 0 {
		cat.GradeLevels = override.GradeLevels
	}
	if len(override.Personas) > 0 {
		cat.Personas = override.Personas
	}
	if len(override.Languages) > 0 {
		cat.Languages = override.Languages
	}
	return cat, nil
}

// ErrInvalidSettings 设置不在菜单范围内。
var ErrInvalidSettings = errors.New("invalid settings")

// ValidateSettings 校验设置；空字段先补默认值，返回规整后的设置。
func (c Catalog) ValidateSettings(s model.UserSettings) (model.UserSettings, error) {
	def := model.DefaultSettings()
	if s.GradeLevel == "" {
		s.GradeLevel = def.GradeLevel
	}
	s.Language = strings.TrimSpace(s.Language)
	if s.Language == "" {
		s.Language = def.Language
	}
	s.Persona = strings.TrimSpace(s.Persona)
	if s.Persona == "" {
		s.Persona = def.Persona
	}

	if !slices.Contains(c.GradeLevels, s.GradeLevel) {
		return s, fmt.Errorf("%w: grade level %q", ErrInvalidSettings, s.GradeLevel)
	}
	if !slices.Contains(c.Languages, s.Language) {
		return s, fmt.Errorf("%w: language %q", ErrInvalidSettings, s.Language)
	}
	if !slices.Contains(c.Personas, s.Persona) {
		return s, fmt.Errorf("%w: persona %q", ErrInvalidSettings, s.Persona)
	}
	return s, nil
}
