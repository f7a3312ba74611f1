package model

import (
	"fmt"
	"strings"
)

// Command is the type of job a worker executes.
type Command string

const (
	// CommandConvertToImages renders a document into page images.
	CommandConvertToImages Command = "CONVERT_TO_IMAGES"
	// CommandFindCircles detects filled answer bubbles on images.
	CommandFindCircles Command = "FIND_CIRCLES"
)

// JobParams are the command specific parameters of a job. Each command has
// its own implementation.
type JobParams interface {
	Command() Command
	Validate() error
}

// Attachment is a binary file sent along a job.
type Attachment struct {
	Filename string
	Data     []byte
}

// Job is a unit of work to be dispatched to a worker.
type Job struct {
	// TaskID is optional, when empty the dispatcher generates one.
	TaskID      string
	SessionID   string
	Params      JobParams
	Attachments []Attachment
}

// Validate validates the job.
func (j Job) Validate() error {
	if j.Params == nil {
		return fmt.Errorf("job parameters are required: %w", ErrNotValid)
	}
	if strings.TrimSpace(j.TaskID) != j.TaskID {
		return fmt.Errorf("task id can't have surrounding spaces: %w", ErrNotValid)
	}

	return j.Params.Validate()
}

// JobResult is the resolution of a completed job.
type JobResult struct {
	TaskID   string
	WorkerID string
	// Data is the structured payload the worker returned, it's opaque to the broker.
	Data []byte
	// Files are the files the worker streamed back, indexed by file ID.
	Files map[string][]byte
}

// ConvertToImagesParams are the parameters of a CONVERT_TO_IMAGES job.
type ConvertToImagesParams struct {
	Filename string `json:"filename"`
}

func (p ConvertToImagesParams) Command() Command { return CommandConvertToImages }

func (p ConvertToImagesParams) Validate() error { return nil }

// RectType is the kind of region a box represents on an answer sheet.
type RectType string

const (
	RectTypeB               RectType = "Tipo B"
	RectTypeColumnQuestions RectType = "Coluna de Questões (A e C PAS ou Enem)"
	RectTypeEnrollment      RectType = "Matricula"
	RectTypeOther           RectType = "Outro"
	RectTypeTemp            RectType = "Temp"
	RectTypeCircleSample    RectType = "Exemplo de Círculo"
)

// Rect is a rectangle normalized to the image dimensions (all values in [0, 1]).
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) validate() error {
	for name, v := range map[string]float64{"x": r.X, "y": r.Y, "width": r.Width, "height": r.Height} {
		if v < 0 || v > 1 {
			return fmt.Errorf("rect %s must be between 0 and 1: %w", name, ErrNotValid)
		}
	}
	return nil
}

// Circle is a detected (or template) circle.
type Circle struct {
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Radius  float64 `json:"radius"`
}

// Box is a named region of the sheet where circles are searched.
type Box struct {
	Name            string   `json:"name"`
	RectType        RectType `json:"rect_type"`
	Rect            Rect     `json:"rect"`
	TemplateCircles []Circle `json:"template_circles,omitempty"`
}

// Offset is a translation in pixels.
type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FindCirclesParams are the parameters of a FIND_CIRCLES job.
type FindCirclesParams struct {
	Filename                          string   `json:"filename"`
	Boxes                             []Box    `json:"boxes"`
	CircleSize                        *float64 `json:"circle_size,omitempty"`
	DarknessThreshold                 float64  `json:"darkness_threshold"`
	CirclePrecisionPercentage         float64  `json:"circle_precision_percentage,omitempty"`
	InverseRatioAccumulatorResolution float64  `json:"inverse_ratio_accumulator_resolution,omitempty"`
	Param2                            float64  `json:"param2,omitempty"`
	UseFallbackMethod                 bool     `json:"use_fallback_method"`
	ImageOffset                       *Offset  `json:"image_offset,omitempty"`
	ImageAngle                        *float64 `json:"image_angle,omitempty"`
}

func (p FindCirclesParams) Command() Command { return CommandFindCircles }

func (p FindCirclesParams) Validate() error {
	if len(p.Boxes) == 0 {
		return fmt.Errorf("at least one box is required: %w", ErrNotValid)
	}

	for i, b := range p.Boxes {
		if b.Name == "" {
			return fmt.Errorf("box %d name is required: %w", i, ErrNotValid)
		}
		if b.RectType == "" {
			return fmt.Errorf("box %q rect type is required: %w", b.Name, ErrNotValid)
		}
		if err := b.Rect.validate(); err != nil {
			return fmt.Errorf("box %q: %w", b.Name, err)
		}
	}

	if p.DarknessThreshold < 0 {
		return fmt.Errorf("darkness threshold can't be negative: %w", ErrNotValid)
	}
	if p.CirclePrecisionPercentage < 0 {
		return fmt.Errorf("circle precision percentage can't be negative: %w", ErrNotValid)
	}
	if p.InverseRatioAccumulatorResolution < 0 {
		return fmt.Errorf("inverse ratio accumulator resolution can't be negative: %w", ErrNotValid)
	}
	if p.CircleSize != nil && *p.CircleSize <= 0 {
		return fmt.Errorf("circle size must be positive: %w", ErrNotValid)
	}

	return nil
}
