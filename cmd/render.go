package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/urfave/cli"

	"github.com/realDqt/govray/renderer"
	"github.com/realDqt/govray/rt"
	"github.com/realDqt/govray/scene"
)

// Render a still frame and write it out as a png image.
func RenderFrame(ctx *cli.Context) error {
	setupLogging(ctx)

	r, err := setupRenderer(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	if err = r.Render(); err != nil {
		return err
	}
	displayFrameStats(r.Stats())

	return exportFrame(r, ctx.String("out"))
}

// Render an interactive view of the scene.
func RenderInteractive(ctx *cli.Context) error {
	setupLogging(ctx)

	r, err := setupRenderer(ctx)
	if err != nil {
		return err
	}

	iv, err := renderer.NewInteractive(r)
	if err != nil {
		r.Close()
		return err
	}
	defer iv.Close()

	return iv.Run()
}

// Load the scene file and construct a renderer from the context flags.
func setupRenderer(ctx *cli.Context) (*renderer.Renderer, error) {
	if ctx.NArg() != 1 {
		return nil, errors.New("missing scene file argument")
	}

	sc, err := scene.ReadSceneFile(ctx.Args().First())
	if err != nil {
		return nil, err
	}

	config, err := parseConfig(ctx.String("pipeline"))
	if err != nil {
		return nil, err
	}

	opts := renderer.Options{
		FrameW:        uint32(ctx.Int("width")),
		FrameH:        uint32(ctx.Int("height")),
		Config:        config,
		MaxDepth:      uint32(ctx.Int("depth")),
		Exposure:      float32(ctx.Float64("exposure")),
		EnableShadows: ctx.Bool("shadows"),
	}

	logger.Noticef("loading scene %q (%d meshes, %d instances)", ctx.Args().First(), len(sc.Meshes), len(sc.Instances))
	return renderer.New(sc, opts, nil)
}

func parseConfig(name string) (rt.Config, error) {
	for _, c := range []rt.Config{rt.ConfigBasic, rt.ConfigAnyHit, rt.ConfigProcedural, rt.ConfigCallable, rt.ConfigReorderable} {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unsupported pipeline configuration %q", name)
}

func exportFrame(r *renderer.Renderer, path string) error {
	w, h := r.FrameDims()
	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	copy(img.Pix, r.Framebuffer())

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err = png.Encode(f, img); err != nil {
		return err
	}
	logger.Noticef("wrote frame to %q", path)
	return nil
}

func displayFrameStats(stats renderer.FrameStats) {
	var buf bytes.Buffer
	stats.WriteTable(&buf)
	logger.Noticef("frame statistics\n%s", buf.String())
}
