// Command ubictl is a sample program driving a UBI device over a file-backed
// partition. It is illustrative only, per spec.md §6 — not part of the
// library's tested contract.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/trustelem/ubi/mtd"
	"github.com/trustelem/ubi/ubi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	partPath := flag.String("part", "", "path to the backing partition file")
	pebCount := flag.Int64("pebs", 0, "number of physical erase blocks (init only)")
	pebSize := flag.Int64("pebsize", 0, "erase block size in bytes (init only)")
	volID := flag.Uint("vol", 0, "volume id")
	volName := flag.String("name", "", "volume name")
	volType := flag.String("type", "dynamic", "volume type: static|dynamic")
	lebCount := flag.Uint("lebcount", 1, "volume LEB count")
	lnum := flag.Uint("lnum", 0, "logical erase block number")
	dataFile := flag.String("data", "", "payload file for write/read")

	cmd := os.Args[1]
	flag.CommandLine.Parse(os.Args[2:])

	switch cmd {
	case "init":
		runInit(*partPath, *pebCount, *pebSize)
	case "info":
		withDevice(*partPath, *pebSize, func(d *ubi.Device) {
			info := d.Info()
			fmt.Printf("%+v\n", info)
		})
	case "vol-create":
		withDevice(*partPath, *pebSize, func(d *ubi.Device) {
			id, err := d.VolumeCreate(ubi.VolumeConfig{
				Name:     *volName,
				Type:     parseVolType(*volType),
				LEBCount: uint32(*lebCount),
			})
			fatalIf(err)
			fmt.Printf("volume id: %d\n", id)
		})
	case "vol-rm":
		withDevice(*partPath, *pebSize, func(d *ubi.Device) {
			fatalIf(d.VolumeRemove(uint32(*volID)))
		})
	case "write":
		withDevice(*partPath, *pebSize, func(d *ubi.Device) {
			data, err := os.ReadFile(*dataFile)
			fatalIf(err)
			fatalIf(d.LebWrite(uint32(*volID), uint32(*lnum), data))
		})
	case "read":
		withDevice(*partPath, *pebSize, func(d *ubi.Device) {
			size, err := d.LebGetSize(uint32(*volID), uint32(*lnum))
			fatalIf(err)
			buf := make([]byte, size)
			fatalIf(d.LebRead(uint32(*volID), uint32(*lnum), 0, buf))
			os.Stdout.Write(buf)
		})
	case "map":
		withDevice(*partPath, *pebSize, func(d *ubi.Device) {
			fatalIf(d.LebMap(uint32(*volID), uint32(*lnum)))
		})
	case "unmap":
		withDevice(*partPath, *pebSize, func(d *ubi.Device) {
			fatalIf(d.LebUnmap(uint32(*volID), uint32(*lnum)))
		})
	case "erase":
		withDevice(*partPath, *pebSize, func(d *ubi.Device) {
			fatalIf(d.ErasePEB())
		})
	case "fingerprint":
		withDevice(*partPath, *pebSize, func(d *ubi.Device) {
			fp, err := d.Fingerprint()
			fatalIf(err)
			fmt.Printf("%x\n", fp)
		})
	case "backup":
		withDevice(*partPath, *pebSize, func(d *ubi.Device) {
			out, err := os.Create(*dataFile)
			fatalIf(err)
			defer out.Close()
			fatalIf(d.ColdBackup(out))
		})
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ubictl <init|info|vol-create|vol-rm|write|read|map|unmap|erase|fingerprint|backup> -part <file> [flags]")
}

func runInit(path string, pebCount, pebSize int64) {
	if path == "" || pebCount <= 0 || pebSize <= 0 {
		fatalIf(fmt.Errorf("init requires -part, -pebs, -pebsize"))
	}
	f, err := os.Create(path)
	fatalIf(err)
	defer f.Close()
	fatalIf(f.Truncate(pebCount * pebSize))
}

func withDevice(path string, pebSize int64, fn func(d *ubi.Device)) {
	if path == "" {
		fatalIf(fmt.Errorf("-part is required"))
	}
	fi, err := os.Stat(path)
	fatalIf(err)
	if pebSize <= 0 {
		fatalIf(fmt.Errorf("-pebsize is required"))
	}
	geo := mtd.Geometry{
		EraseBlockSize:  pebSize,
		WriteBlockAlign: 16,
		PEBCount:        fi.Size() / pebSize,
	}
	part, err := mtd.Open(path, geo)
	fatalIf(err)
	defer part.Close()

	dev, err := ubi.NewDevice(part, ubi.DefaultConfig())
	fatalIf(err)
	defer dev.Close()

	fn(dev)
}

func parseVolType(s string) ubi.VolumeType {
	if s == "static" {
		return ubi.VolumeStatic
	}
	return ubi.VolumeDynamic
}

func fatalIf(err error) {
	if err != nil {
		logrus.WithError(err).Fatal("ubictl failed")
	}
}
