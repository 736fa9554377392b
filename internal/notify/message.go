package notify

import "time"

const (
	ColorBlue   = 0x3498db
	ColorRed    = 0xe74c3c
	ColorGreen  = 0x2ecc71
	ColorOrange = 0xe67e22
	ColorYellow = 0xf1c40f
	ColorPurple = 0x9b59b6
	ColorPink   = 0xe91e63
	ColorGray   = 0x95a5a6
	ColorBrown  = 0xa84300

	// DefaultColor is used when a record carries no mapped option colour.
	DefaultColor = ColorBlue
)

var optionPalette = map[string]int{
	"blue":   ColorBlue,
	"red":    ColorRed,
	"green":  ColorGreen,
	"orange": ColorOrange,
	"yellow": ColorYellow,
	"purple": ColorPurple,
	"pink":   ColorPink,
	"gray":   ColorGray,
	"brown":  ColorBrown,
}

// ColorFor maps a Notion option colour to the embed palette.
func ColorFor(tag string) int {
	if color, ok := optionPalette[tag]; ok {
		return color
	}
	return DefaultColor
}

// Field is one named block of a message.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Message is a delivery-agnostic structured notification.
type Message struct {
	Title       string
	Description string
	URL         string
	Color       int
	Fields      []Field
	Timestamp   time.Time
	Footer      string
}
