package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Enums
type TrackKind string

const (
	TrackKindVideo   TrackKind = "video"
	TrackKindAudio   TrackKind = "audio"
	TrackKindOverlay TrackKind = "overlay"
	TrackKindText    TrackKind = "text"
)

// SupportsTransitions reports whether items on the track are resolved with
// the transition state machine instead of a plain time window.
func (k TrackKind) SupportsTransitions() bool {
	return k == TrackKindVideo || k == TrackKindOverlay
}

type ItemType string

const (
	ItemTypeVideo ItemType = "video"
	ItemTypeImage ItemType = "image"
	ItemTypeAudio ItemType = "audio"
	ItemTypeText  ItemType = "text"
	ItemTypeColor ItemType = "color"
)

type FitMode string

const (
	FitContain FitMode = "contain"
	FitCover   FitMode = "cover"
	FitFill    FitMode = "fill"
)

type TransitionTiming string

const (
	TimingPrefix  TransitionTiming = "prefix"
	TimingPostfix TransitionTiming = "postfix"
	TimingOverlap TransitionTiming = "overlap"
)

type Direction string

const (
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
)

type AnimationTiming string

const (
	AnimationEnter AnimationTiming = "enter"
	AnimationExit  AnimationTiming = "exit"
	AnimationBoth  AnimationTiming = "both"
)

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusUploading  JobStatus = "uploading"
	JobStatusProcessing JobStatus = "processing"
	JobStatusEncoding   JobStatus = "encoding"
	JobStatusComplete   JobStatus = "complete"
	JobStatusError      JobStatus = "error"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusError || s == JobStatusCancelled
}

// Timeline

type Dimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Timeline struct {
	Tracks    []Track   `json:"tracks"`
	Duration  float64   `json:"duration"` // seconds
	Dimension Dimension `json:"dimension"`
}

// Value stores a timeline in a JSONB column.
func (tl Timeline) Value() (driver.Value, error) {
	return json.Marshal(tl)
}

func (tl *Timeline) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("timeline: unsupported scan type %T", value)
	}
	return json.Unmarshal(bytes, tl)
}

// End returns the latest item end across all tracks.
func (tl *Timeline) End() float64 {
	end := 0.0
	for _, track := range tl.Tracks {
		for _, item := range track.Items {
			if e := item.End(); e > end {
				end = e
			}
		}
	}
	return end
}

type Track struct {
	ID    string    `json:"id"`
	Kind  TrackKind `json:"kind"`
	Items []Item    `json:"items"`
}

type Item struct {
	ID       string   `json:"id"`
	Type     ItemType `json:"type"`
	Source   string   `json:"source,omitempty"` // media file name inside the job media dir
	Start    float64  `json:"start"`
	Duration float64  `json:"duration"`
	Offset   float64  `json:"offset,omitempty"` // seek offset into the source media
	Speed    float64  `json:"speed,omitempty"`  // playback rate, 0 means 1

	// Spatial fields are percentages of the canvas, rotation is degrees.
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Rotation float64  `json:"rotation,omitempty"`
	Opacity  *float64 `json:"opacity,omitempty"` // 0-100

	IsBackground bool    `json:"isBackground,omitempty"`
	Fit          FitMode `json:"fit,omitempty"`
	Layer        int     `json:"layer,omitempty"`

	Transition  *TransitionSpec `json:"transition,omitempty"`
	Animation   *AnimationSpec  `json:"animation,omitempty"`
	Adjustments *Adjustments    `json:"adjustments,omitempty"`
	Filter      string          `json:"filter,omitempty"`
	Crop        *Crop           `json:"crop,omitempty"`
	Border      *Border         `json:"border,omitempty"`

	// Audio
	Volume *float64 `json:"volume,omitempty"` // 0-100
	Muted  bool     `json:"muted,omitempty"`

	// Fills
	Color    string    `json:"color,omitempty"`
	Gradient *Gradient `json:"gradient,omitempty"`

	Text *TextStyle `json:"text,omitempty"`
}

func (it *Item) End() float64 {
	return it.Start + it.Duration
}

// Contains reports whether t falls in the half-open window [start, start+duration).
func (it *Item) Contains(t float64) bool {
	return t >= it.Start && t < it.End()
}

func (it *Item) BaseOpacity() float64 {
	if it.Opacity == nil {
		return 1
	}
	return clampUnit(*it.Opacity / 100)
}

func (it *Item) WidthPct() float64 {
	if it.Width == nil {
		return 100
	}
	return *it.Width
}

func (it *Item) HeightPct() float64 {
	if it.Height == nil {
		return 100
	}
	return *it.Height
}

func (it *Item) FitMode() FitMode {
	if it.Fit == "" {
		return FitCover
	}
	return it.Fit
}

func (it *Item) PlaybackSpeed() float64 {
	if it.Speed <= 0 {
		return 1
	}
	return it.Speed
}

func (it *Item) VolumeLevel() float64 {
	if it.Volume == nil {
		return 1
	}
	return clampUnit(*it.Volume / 100)
}

// SourceTime maps a timeline time to a timestamp inside the source media,
// accounting for trim offset and playback speed.
func (it *Item) SourceTime(t float64) float64 {
	local := t - it.Start
	if local < 0 {
		local = 0
	}
	return it.Offset + local*it.PlaybackSpeed()
}

// IsVisual reports whether the item paints anything.
func (it *Item) IsVisual() bool {
	return it.Type != ItemTypeAudio
}

type TransitionSpec struct {
	Type      string           `json:"type"`
	Duration  float64          `json:"duration"`
	Direction Direction        `json:"direction,omitempty"`
	Timing    TransitionTiming `json:"timing,omitempty"`
	Speed     float64          `json:"speed,omitempty"`
}

// Window returns the effective transition length and its start relative to
// the owning item's start.
func (ts *TransitionSpec) Window() (start, length float64) {
	length = ts.Duration
	if ts.Speed > 0 {
		length = ts.Duration / ts.Speed
	}
	switch ts.Timing {
	case TimingPrefix:
		return -length, length
	case TimingOverlap:
		return -length / 2, length
	default:
		return 0, length
	}
}

type AnimationSpec struct {
	Type     string          `json:"type"`
	Duration float64         `json:"duration"`
	Timing   AnimationTiming `json:"timing,omitempty"`
}

// Adjustments are color sliders; zero is neutral for every field.
type Adjustments struct {
	Temperature float64 `json:"temperature,omitempty"`
	Tint        float64 `json:"tint,omitempty"`
	Brightness  float64 `json:"brightness,omitempty"`
	Contrast    float64 `json:"contrast,omitempty"`
	Highlights  float64 `json:"highlights,omitempty"`
	Shadows     float64 `json:"shadows,omitempty"`
	Whites      float64 `json:"whites,omitempty"`
	Blacks      float64 `json:"blacks,omitempty"`
	Saturation  float64 `json:"saturation,omitempty"`
	Vibrance    float64 `json:"vibrance,omitempty"`
	Hue         float64 `json:"hue,omitempty"`
	Sharpness   float64 `json:"sharpness,omitempty"`
	Clarity     float64 `json:"clarity,omitempty"`
	Vignette    float64 `json:"vignette,omitempty"`
}

func (a *Adjustments) IsZero() bool {
	return a == nil || *a == Adjustments{}
}

type Crop struct {
	X    float64 `json:"x"`    // focus point, percent of source width
	Y    float64 `json:"y"`    // focus point, percent of source height
	Zoom float64 `json:"zoom"` // >= 1
}

type Border struct {
	Width float64 `json:"width"`
	Color string  `json:"color"`
}

type GradientStop struct {
	Color    string  `json:"color"`
	Position float64 `json:"position"` // 0-100
}

type Gradient struct {
	Type  string         `json:"type"` // linear | radial
	Angle float64        `json:"angle,omitempty"`
	Stops []GradientStop `json:"stops"`
}

type TextAlign string

const (
	AlignLeft   TextAlign = "left"
	AlignCenter TextAlign = "center"
	AlignRight  TextAlign = "right"
)

type TextEffect struct {
	Type      string  `json:"type"` // shadow | outline | neon | glitch | echo | hollow | background
	Color     string  `json:"color,omitempty"`
	Intensity float64 `json:"intensity,omitempty"` // 0-100
}

type TextStyle struct {
	Content       string      `json:"content"`
	FontFamily    string      `json:"fontFamily,omitempty"`
	FontSize      float64     `json:"fontSize,omitempty"` // px on a 1080-high canvas
	Bold          bool        `json:"bold,omitempty"`
	Italic        bool        `json:"italic,omitempty"`
	Color         string      `json:"color,omitempty"`
	Align         TextAlign   `json:"align,omitempty"`
	LineHeight    float64     `json:"lineHeight,omitempty"` // multiple of font size
	LetterSpacing float64     `json:"letterSpacing,omitempty"`
	Background    string      `json:"background,omitempty"`
	Underline     bool        `json:"underline,omitempty"`
	Strike        bool        `json:"strike,omitempty"`
	Effect        *TextEffect `json:"effect,omitempty"`
}

// Export

type ExportSettings struct {
	Resolution    Dimension `json:"resolution"`
	FPS           float64   `json:"fps"`
	Quality       Quality   `json:"quality"`
	Format        string    `json:"format"`
	HardwareAccel string    `json:"hardwareAccel,omitempty"`
}

func (s ExportSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *ExportSettings) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("export settings: unsupported scan type %T", value)
	}
	return json.Unmarshal(bytes, s)
}

type ExportJob struct {
	ID         string         `json:"id"`
	Status     JobStatus      `json:"status"`
	Progress   float64        `json:"progress"` // 0-100, non-decreasing
	Timeline   Timeline       `json:"timeline"`
	Settings   ExportSettings `json:"settings"`
	Strategy   string         `json:"strategy,omitempty"`
	OutputPath string         `json:"outputPath,omitempty"`
	OutputURL  string         `json:"outputUrl,omitempty"`
	Error      string         `json:"error,omitempty"`
	Worker     string         `json:"worker,omitempty"` // id of the worker that claimed the job
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// OutputReady is true only for completed jobs with a finished file.
func (j *ExportJob) OutputReady() bool {
	return j.Status == JobStatusComplete && j.OutputPath != ""
}

// DTOs for API responses
type JobStatusResponse struct {
	ID          string    `json:"id"`
	Status      JobStatus `json:"status"`
	Progress    float64   `json:"progress"`
	Error       string    `json:"error,omitempty"`
	OutputReady bool      `json:"outputReady"`
	OutputURL   string    `json:"outputUrl,omitempty"`
	Strategy    string    `json:"strategy,omitempty"`
}

func NewJobStatusResponse(job ExportJob) JobStatusResponse {
	return JobStatusResponse{
		ID:          job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Error:       job.Error,
		OutputReady: job.OutputReady(),
		OutputURL:   job.OutputURL,
		Strategy:    job.Strategy,
	}
}

type CreateExportRequest struct {
	ID       string         `json:"id,omitempty"` // externally provided job id
	Timeline Timeline       `json:"timeline"`
	Settings ExportSettings `json:"settings"`
}

type PresetCatalogResponse struct {
	Transitions []string `json:"transitions"`
	Animations  []string `json:"animations"`
	Filters     []string `json:"filters"`
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
