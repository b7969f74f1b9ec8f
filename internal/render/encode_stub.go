//go:build !imagick

package render

// MagickAvailable reports whether ImageMagick encoders are compiled in.
const MagickAvailable = false
