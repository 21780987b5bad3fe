package main

import (
	"os"

	"github.com/urfave/cli"

	"github.com/realDqt/govray/cmd"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "govray"
	app.Usage = "render scenes using hardware-style ray tracing"
	app.Version = "0.0.1"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "info",
			Usage:  "show device limits",
			Action: cmd.ShowDeviceInfo,
		},
		{
			Name:   "render",
			Usage:  "render scene",
			Action: nil,
			Subcommands: []cli.Command{
				{
					Name:  "frame",
					Usage: "render single frame",
					Description: `
Load a yaml scene definition, upload its geometry, build the acceleration
structures and trace a single frame which is then written out as a png image.`,
					ArgsUsage: "scene_file.yaml",
					Flags:     append(renderFlags(), cli.StringFlag{
						Name:  "out, o",
						Value: "frame.png",
						Usage: "image filename for the rendered frame",
					}),
					Action: cmd.RenderFrame,
				},
				{
					Name:        "interactive",
					Usage:       "render interactive view of the scene",
					Description: ``,
					ArgsUsage:   "scene_file.yaml",
					Flags:       renderFlags(),
					Action:      cmd.RenderInteractive,
				},
			},
		},
	}
	app.Run(os.Args)
}

func renderFlags() []cli.Flag {
	return []cli.Flag{
		cli.IntFlag{
			Name:  "width",
			Value: 512,
			Usage: "frame width",
		},
		cli.IntFlag{
			Name:  "height",
			Value: 512,
			Usage: "frame height",
		},
		cli.IntFlag{
			Name:  "depth",
			Value: 2,
			Usage: "max ray recursion depth",
		},
		cli.Float64Flag{
			Name:  "exposure",
			Value: 1.0,
			Usage: "camera exposure for tone-mapping",
		},
		cli.BoolFlag{
			Name:  "shadows",
			Usage: "trace shadow rays towards the light",
		},
		cli.StringFlag{
			Name:  "pipeline",
			Value: "basic",
			Usage: "pipeline configuration (basic, anyhit, procedural, callable, reorderable)",
		},
	}
}
