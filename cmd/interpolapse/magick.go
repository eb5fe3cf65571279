//go:build magick

package main

// Registers the "magick" imaging backend.
import _ "interpolapse/internal/imaging/magick"
