package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	drm "github.com/NeowayLabs/kmspipe"
	"github.com/NeowayLabs/kmspipe/edid"
	"github.com/NeowayLabs/kmspipe/kms"
	"github.com/NeowayLabs/kmspipe/mode"
)

func newInfoCmd(a *app) *cobra.Command {
	var showProps bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "List CRTCs, planes, connectors and their modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gpu, card, err := a.openGpu(nil)
			if err != nil {
				return err
			}
			defer gpu.Close()
			return printInfo(cmd.OutOrStdout(), gpu, card, showProps)
		},
	}
	cmd.Flags().BoolVarP(&showProps, "properties", "p", false, "print the properties of every object")
	return cmd
}

func printInfo(w io.Writer, gpu *kms.Gpu, card kms.Card, showProps bool) error {
	v, err := card.Version()
	if err != nil {
		return err
	}
	cursor := gpu.CursorSize()
	fmt.Fprintf(w, "driver %s %d.%d.%d (%s)\n", v.Name, v.Major, v.Minor, v.Patch, v.Desc)
	fmt.Fprintf(w, "atomic: %t, cursor: %dx%d, modifiers: %t\n",
		gpu.Atomic(), cursor.Width, cursor.Height, gpu.AddFB2Modifiers())
	if dumb, err := card.GetCap(drm.CapDumbBuffer); err == nil {
		fmt.Fprintf(w, "dumb buffers: %t\n", dumb != 0)
	}

	fmt.Fprintf(w, "\n%d CRTCs\n", len(gpu.Crtcs()))
	for _, crtc := range gpu.Crtcs() {
		fmt.Fprintf(w, "  crtc %d: pipe %d, gamma size %d\n", crtc.ID(), crtc.PipeIndex(), crtc.GammaSize())
		if showProps {
			printProperties(w, crtc)
		}
	}

	if gpu.Atomic() {
		fmt.Fprintf(w, "\n%d planes\n", len(gpu.Planes()))
		for _, plane := range gpu.Planes() {
			fmt.Fprintf(w, "  plane %d: %s, formats %s\n", plane.ID(), planeKind(plane.Kind()),
				formatList(plane.Formats()))
			if showProps {
				printProperties(w, plane)
			}
		}
		fmt.Fprintf(w, "\nscanout formats: %s\n", formatList(gpu.ScanoutFormats()))
	}

	res, err := card.Resources()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d connectors\n", len(res.Connectors))
	for _, id := range res.Connectors {
		conn, err := card.Connector(id)
		if err != nil {
			fmt.Fprintf(w, "  connector %d: %v\n", id, err)
			continue
		}
		printConnector(w, card, conn)
	}
	return nil
}

func printProperties(w io.Writer, o kms.Object) {
	for _, p := range o.Properties() {
		var tags []string
		if p.IsImmutable() {
			tags = append(tags, "immutable")
		}
		if p.IsLegacy() {
			tags = append(tags, "legacy")
		}
		line := fmt.Sprintf("      %s = %d", p.Name(), p.Current())
		if len(tags) > 0 {
			line += " (" + strings.Join(tags, ", ") + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func planeKind(k kms.PlaneType) string {
	switch k {
	case kms.PlaneTypePrimary:
		return "primary"
	case kms.PlaneTypeCursor:
		return "cursor"
	}
	return "overlay"
}

func formatList(formats map[uint32][]uint64) string {
	names := make([]string, 0, len(formats))
	for f := range formats {
		names = append(names, mode.FourCCString(f))
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

func printConnector(w io.Writer, card kms.Card, conn *mode.Connector) {
	name := mode.ConnectorName(conn.Type, conn.TypeID)
	status := "disconnected"
	if conn.Connection == mode.Connected {
		status = "connected"
	}
	fmt.Fprintf(w, "  %s (connector %d): %s\n", name, conn.ID, status)
	if conn.Connection != mode.Connected {
		return
	}
	if conn.Width > 0 && conn.Height > 0 {
		fmt.Fprintf(w, "    size: %dx%d mm, %s\"\n", conn.Width, conn.Height,
			humanize.FtoaWithDigits(diagonalInches(conn.Width, conn.Height), 1))
	}

	for i, propID := range conn.Props {
		p, err := card.Property(propID)
		if err != nil {
			continue
		}
		value := conn.PropValues[i]
		switch p.Name {
		case "EDID":
			if blob, err := card.PropertyBlob(uint32(value)); err == nil && value != 0 {
				if e, err := edid.Parse(blob); err == nil {
					fmt.Fprintf(w, "    monitor: %s\n", e.NameString())
				}
			}
		case "TILE":
			if blob, err := card.PropertyBlob(uint32(value)); err == nil && value != 0 {
				fmt.Fprintf(w, "    tile: %s\n", strings.TrimRight(string(blob), "\x00"))
			}
		}
	}

	preferred, _ := mode.PreferredMode(conn)
	for i := range conn.Modes {
		m := &conn.Modes[i]
		width, height := m.Size()
		marker := " "
		if mode.SameTiming(m, &preferred) {
			marker = "*"
		}
		fmt.Fprintf(w, "   %s %2d %-12s %8.3f Hz  %s\n", marker, i, m.ModeName(),
			float64(m.RefreshRate())/1000, humanize.IBytes(uint64(width*height*4)))
	}
}

func diagonalInches(widthMM, heightMM uint32) float64 {
	return math.Hypot(float64(widthMM), float64(heightMM)) / 25.4
}
