//go:build !sdl2

package compositor

import (
	"fmt"

	"github.com/valerio/go-vblank/vblank/display"
)

// SDLProvider stub for when SDL2 is not available
type SDLProvider struct{}

// CreateLink returns an error indicating SDL2 is not available
func (SDLProvider) CreateLink(id display.ID) (Link, error) {
	return nil, fmt.Errorf("SDL2 compositor not available for %s - build with -tags sdl2 to enable", id)
}
