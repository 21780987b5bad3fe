package cmd

import (
	"bytes"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/realDqt/govray/device"
)

// Display the limits reported by the reference device.
func ShowDeviceInfo(ctx *cli.Context) error {
	setupLogging(ctx)

	limits := device.DefaultLimits()

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Limit", "Value"})
	table.Append([]string{"shader group handle size", fmt.Sprintf("%d", limits.ShaderGroupHandleSize)})
	table.Append([]string{"shader group handle alignment", fmt.Sprintf("%d", limits.ShaderGroupHandleAlignment)})
	table.Append([]string{"shader group base alignment", fmt.Sprintf("%d", limits.ShaderGroupBaseAlignment)})
	table.Append([]string{"max ray recursion depth", fmt.Sprintf("%d", limits.MaxRayRecursionDepth)})
	table.Append([]string{"max instance count", fmt.Sprintf("%d", limits.MaxInstanceCount)})
	table.Render()

	logger.Noticef("device limits\n%s", buf.String())
	return nil
}
