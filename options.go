// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package rendercache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// RequestError reports a malformed request URL.
type RequestError struct {
	Message string
	URL     *url.URL
}

func (e RequestError) Error() string {
	return fmt.Sprintf("malformed request URL %q: %s", e.URL, e.Message)
}

// Options specifies transformations that can be performed on a
// requested image.
type Options struct {
	// See ParseOptions for interpretation of Width and Height values
	Width  float64
	Height float64

	// If true, resize the image to fit in the specified dimensions.  Image
	// will not be cropped, and aspect ratio will be maintained.
	Fit bool

	// Rotate image the specified degrees counter-clockwise.  Valid values
	// are 90, 180, 270.
	Rotate int

	FlipVertical   bool
	FlipHorizontal bool

	// Quality of output image
	Quality int

	// Desired image format. Valid values are "bmp", "gif", "jpeg", "png",
	// "tiff".
	Format string

	// Crop rectangle params
	CropX      float64
	CropY      float64
	CropWidth  float64
	CropHeight float64

	// Automatically find good crop points based on image content.
	SmartCrop bool

	// If true, the image can be scaled beyond its original dimensions.
	ScaleUp bool

	// Trim edges of the image that match the color of the top left pixel.
	Trim bool
}

const (
	optFit             = "fit"
	optFlipVertical    = "fv"
	optFlipHorizontal  = "fh"
	optFormatBMP       = "bmp"
	optFormatGIF       = "gif"
	optFormatJPEG      = "jpeg"
	optFormatPNG       = "png"
	optFormatTIFF      = "tiff"
	optRotatePrefix    = "r"
	optQualityPrefix   = "q"
	optSmartCrop       = "sc"
	optScaleUp         = "scaleUp"
	optTrim            = "trim"
	optCropX           = "cx"
	optCropY           = "cy"
	optCropWidth       = "cw"
	optCropHeight      = "ch"
	optSizeDelimiter   = "x"
	optNoTransform     = "x"
	optOptionDelimiter = ","
)

var formats = map[string]bool{
	optFormatBMP:  true,
	optFormatGIF:  true,
	optFormatJPEG: true,
	optFormatPNG:  true,
	optFormatTIFF: true,
}

// String returns the canonical form of o. Two Options values that render
// the same image have the same string, which makes it usable as part of a
// cache key.
func (o Options) String() string {
	opts := []string{fmt.Sprintf("%v%s%v", o.Width, optSizeDelimiter, o.Height)}
	if o.Fit {
		opts = append(opts, optFit)
	}
	if o.Rotate != 0 {
		opts = append(opts, fmt.Sprintf("%s%d", optRotatePrefix, o.Rotate))
	}
	if o.FlipVertical {
		opts = append(opts, optFlipVertical)
	}
	if o.FlipHorizontal {
		opts = append(opts, optFlipHorizontal)
	}
	if o.Quality != 0 {
		opts = append(opts, fmt.Sprintf("%s%d", optQualityPrefix, o.Quality))
	}
	if o.Format != "" {
		opts = append(opts, o.Format)
	}
	if o.CropX != 0 {
		opts = append(opts, fmt.Sprintf("%s%v", optCropX, o.CropX))
	}
	if o.CropY != 0 {
		opts = append(opts, fmt.Sprintf("%s%v", optCropY, o.CropY))
	}
	if o.CropWidth != 0 {
		opts = append(opts, fmt.Sprintf("%s%v", optCropWidth, o.CropWidth))
	}
	if o.CropHeight != 0 {
		opts = append(opts, fmt.Sprintf("%s%v", optCropHeight, o.CropHeight))
	}
	if o.SmartCrop {
		opts = append(opts, optSmartCrop)
	}
	if o.ScaleUp {
		opts = append(opts, optScaleUp)
	}
	if o.Trim {
		opts = append(opts, optTrim)
	}
	sort.Strings(opts[1:])
	return strings.Join(opts, optOptionDelimiter)
}

// transform returns whether o includes transformation options.  Some fields
// (like Quality) have no effect on their own, and are only used when the
// image is re-encoded for some other change.
func (o Options) transform() bool {
	return o.Width != 0 || o.Height != 0 || o.Rotate != 0 || o.FlipHorizontal || o.FlipVertical ||
		o.Quality != 0 || o.Format != "" || o.CropX != 0 || o.CropY != 0 || o.CropWidth != 0 ||
		o.CropHeight != 0 || o.SmartCrop || o.Trim
}

// ParseOptions parses str as a list of comma separated transformation
// options.  The options can be specified in any order.  Unrecognized
// options are ignored.
//
// # Size and Cropping
//
// The size option takes the general form "{width}x{height}", where width
// and height are numbers.  Integer values greater than 1 are interpreted as
// exact pixel values.  Floats between 0 and 1 are interpreted as
// percentages of the original image size.  If either value is omitted or
// set to 0, it will be automatically set to preserve the aspect ratio based
// on the other dimension.  If a single number is provided (with no "x"
// separator), it will be used for both height and width.
//
// Depending on the size options specified, an image may be cropped to fit
// the requested size.  In all cases, the original aspect ratio of the image
// will be preserved; the image will never be stretched.  If the "fit"
// option is set, the image is scaled to fit within the requested
// dimensions without cropping.  Images are never scaled beyond their
// original size unless "scaleUp" is set.
//
// The crop options "cx{x}", "cy{y}", "cw{width}" and "ch{height}" select a
// rectangle of the original image before any resizing.  Negative cx and cy
// values are measured from the right and bottom edges.  The "sc" option
// picks the crop rectangle based on the image content.
//
// # Rotation and Flips
//
// The "r{degrees}" option will rotate the image the specified number of
// degrees, counter-clockwise.  Valid degrees values are 90, 180, and 270.
// The "fv" and "fh" options flip the image vertically and horizontally.
//
// # Quality, Format and Trim
//
// The "q{qualityPercentage}" option sets the quality of jpeg output.  A
// format name ("bmp", "gif", "jpeg", "png", "tiff") sets the output format.
// The "trim" option removes solid color borders matching the top left pixel.
//
// Examples
//
//	0x0         - no resizing
//	200x        - 200 pixels wide, proportional height
//	x0.15       - 15% original height, proportional width
//	100x150     - 100 by 150 pixels, cropping as needed
//	100         - 100 pixels square, cropping as needed
//	150,fit     - scale to fit 150 pixels square, no cropping
//	100,r90     - 100 pixels square, rotated 90 degrees
//	100,fv,fh   - 100 pixels square, flipped horizontal and vertical
//	200x,q60    - 200 pixels wide, proportional height, 60% quality
//	200x,png    - 200 pixels wide, converted to PNG format
//	cw100,ch100 - crop image to 100px square, starting at (0,0)
func ParseOptions(str string) Options {
	var options Options

	for _, opt := range strings.Split(str, optOptionDelimiter) {
		switch {
		case len(opt) == 0: // do nothing
		case opt == optFit:
			options.Fit = true
		case opt == optFlipVertical:
			options.FlipVertical = true
		case opt == optFlipHorizontal:
			options.FlipHorizontal = true
		case opt == optScaleUp:
			options.ScaleUp = true
		case opt == optSmartCrop:
			options.SmartCrop = true
		case opt == optTrim:
			options.Trim = true
		case formats[opt]:
			options.Format = opt
		case strings.HasPrefix(opt, optRotatePrefix):
			value := strings.TrimPrefix(opt, optRotatePrefix)
			options.Rotate, _ = strconv.Atoi(value)
		case strings.HasPrefix(opt, optQualityPrefix):
			value := strings.TrimPrefix(opt, optQualityPrefix)
			options.Quality, _ = strconv.Atoi(value)
		case strings.HasPrefix(opt, optCropX):
			value := strings.TrimPrefix(opt, optCropX)
			options.CropX, _ = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(opt, optCropY):
			value := strings.TrimPrefix(opt, optCropY)
			options.CropY, _ = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(opt, optCropWidth):
			value := strings.TrimPrefix(opt, optCropWidth)
			options.CropWidth, _ = strconv.ParseFloat(value, 64)
		case strings.HasPrefix(opt, optCropHeight):
			value := strings.TrimPrefix(opt, optCropHeight)
			options.CropHeight, _ = strconv.ParseFloat(value, 64)
		case strings.Contains(opt, optSizeDelimiter):
			size := strings.SplitN(opt, optSizeDelimiter, 2)
			if w := size[0]; w != "" {
				options.Width, _ = strconv.ParseFloat(w, 64)
			}
			if h := size[1]; h != "" {
				options.Height, _ = strconv.ParseFloat(h, 64)
			}
		default:
			if size, err := strconv.ParseFloat(opt, 64); err == nil {
				options.Width = size
				options.Height = size
			}
		}
	}

	return options
}

// Request is a request for a rendering of a source image.
type Request struct {
	Name     string        // name of the source image, as given to a SourceResolver
	Options  Options       // image transformation to perform
	Original *http.Request // original HTTP request
}

func (r Request) String() string {
	return r.Options.String() + "/" + r.Name
}

// NewRequest parses an http.Request into an image request.  The request
// path has the form "/{options}/{name}".  The options segment is required;
// use "x" to request the source image unchanged.
func NewRequest(r *http.Request) (*Request, error) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		return nil, RequestError{"too few path segments", r.URL}
	}
	if parts[0] == "" {
		return nil, RequestError{"missing options", r.URL}
	}
	name := strings.TrimLeft(parts[1], "/")
	if name == "" {
		return nil, RequestError{"missing source name", r.URL}
	}

	req := &Request{Name: name, Original: r}
	if parts[0] != optNoTransform {
		req.Options = ParseOptions(parts[0])
	}
	return req, nil
}
