// Command vabridge drives the decode driver from the shell: probe the
// decoder's capabilities, or push an Annex-B H.264 elementary stream
// through the full stack and write the decoded NV12 frames out. The
// decode path reconstructs picture parameters from the stream's own
// SPS/PPS, exactly as a media player sitting on the API would supply
// them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vabridge/codec"
	"github.com/zsiec/vabridge/internal/decode"
	"github.com/zsiec/vabridge/internal/nal"
	"github.com/zsiec/vabridge/internal/v4l2"
	"github.com/zsiec/vabridge/va"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	input := pflag.StringP("input", "i", "", "Annex-B H.264 elementary stream to decode")
	output := pflag.StringP("output", "o", "out.nv12", "destination for decoded NV12 frames")
	maxFrames := pflag.IntP("frames", "n", 0, "stop after this many frames (0 = all)")
	dryRun := pflag.Bool("dry-run", false, "use a scripted in-memory decoder instead of hardware")
	pflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	opts := va.Options{Logger: log}
	if *dryRun {
		opts.OpenDevice = func(l *slog.Logger) (decode.Device, error) {
			return decode.NewFakeDevice(v4l2.PixFmtH264), nil
		}
	}

	drv, err := va.New(opts)
	if err != nil {
		log.Error("driver init failed", "error", err)
		os.Exit(1)
	}
	defer drv.Terminate()

	if *input == "" {
		probe(drv)
		return
	}

	if err := decodeFile(ctx, log, drv, *input, *output, *maxFrames); err != nil {
		log.Error("decode failed", "error", err)
		os.Exit(1)
	}
}

// probe prints the profiles the decoder advertises.
func probe(drv *va.Driver) {
	for _, p := range drv.QueryConfigProfiles() {
		fmt.Printf("profile %d\n", p)
	}
}

// streamParams is what the tool recovers from the stream's own parameter
// sets before it can synthesise pictures.
type streamParams struct {
	sps nal.H264SPSInfo
	pps nal.H264PPSInfo
}

// pictureParams rebuilds the parsed parameter struct a decode API would
// deliver, from the stream's SPS and PPS.
func (sp *streamParams) pictureParams() *codec.PictureParametersH264 {
	widthMBs := (sp.sps.Width + 15) / 16
	heightMBs := (sp.sps.Height + 15) / 16
	return &codec.PictureParametersH264{
		PictureWidthInMBsMinus1:     uint16(widthMBs - 1),
		PictureHeightInMBsMinus1:    uint16(heightMBs - 1),
		BitDepthLumaMinus8:          uint8(sp.sps.BitDepthLuma - 8),
		BitDepthChromaMinus8:        uint8(sp.sps.BitDepthChroma - 8),
		NumRefFrames:                uint8(sp.sps.MaxNumRefFrames),
		ChromaFormatIDC:             uint8(sp.sps.ChromaFormatIDC),
		GapsInFrameNumValueAllowed:  sp.sps.GapsInFrameNumAllowed,
		FrameMBsOnly:                sp.sps.FrameMBsOnly,
		Direct8x8Inference:          sp.sps.Direct8x8Inference,
		Log2MaxFrameNumMinus4:       uint8(sp.sps.Log2MaxFrameNumMinus4),
		PicOrderCntType:             uint8(sp.sps.PicOrderCntType),
		Log2MaxPicOrderCntLsbMinus4: uint8(sp.sps.Log2MaxPicOrderCntLsbMinus4),
		DeltaPicOrderAlwaysZero:     sp.sps.DeltaPicOrderAlwaysZero,
		EntropyCodingMode:           sp.pps.EntropyCodingMode,
		PicOrderPresent:             sp.pps.PicOrderPresent,
		WeightedPred:                sp.pps.WeightedPred,
		WeightedBipredIDC:           uint8(sp.pps.WeightedBipredIDC),
		Transform8x8Mode:            sp.pps.Transform8x8Mode,
		ConstrainedIntraPred:        sp.pps.ConstrainedIntraPred,
		DeblockingFilterControl:     sp.pps.DeblockingFilterControl,
		RedundantPicCntPresent:      sp.pps.RedundantPicCntPresent,
		PicInitQPMinus26:            int8(sp.pps.PicInitQPMinus26),
		PicInitQSMinus26:            int8(sp.pps.PicInitQSMinus26),
		ChromaQPIndexOffset:         int8(sp.pps.ChromaQPIndexOffset),
		SecondChromaQPIndexOffset:   int8(sp.pps.SecondChromaQPIndexOffset),
	}
}

// isVCL reports whether the NAL carries slice data.
func isVCL(nalType byte) bool {
	return nalType >= nal.H264NALSlice && nalType <= nal.H264NALIDR
}

func decodeFile(ctx context.Context, log *slog.Logger, drv *va.Driver, input, output string, maxFrames int) error {
	stream, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	units := nal.Split(stream)
	if len(units) == 0 {
		return fmt.Errorf("%s: no Annex-B NAL units found", input)
	}

	// Recover the stream's parameter sets first; pictures cannot be
	// synthesised without them.
	var params streamParams
	haveSPS, havePPS := false, false
	for _, unit := range units {
		if len(unit) == 0 {
			continue
		}
		switch nal.H264NALType(unit[0]) {
		case nal.H264NALSPS:
			if params.sps, err = nal.ParseH264SPS(unit); err != nil {
				return fmt.Errorf("parse SPS: %w", err)
			}
			haveSPS = true
		case nal.H264NALPPS:
			if params.pps, err = nal.ParseH264PPS(unit); err != nil {
				return fmt.Errorf("parse PPS: %w", err)
			}
			havePPS = true
		}
	}
	if !haveSPS || !havePPS {
		return fmt.Errorf("%s: stream carries no SPS/PPS", input)
	}

	width := uint32(params.sps.Width)
	height := uint32(params.sps.Height)
	log.Info("stream parameters",
		"size", fmt.Sprintf("%dx%d", width, height),
		"profile", params.sps.ProfileIDC,
		"level", params.sps.LevelIDC,
	)

	cfg, err := drv.CreateConfig(va.ProfileH264High, va.EntrypointVLD)
	if err != nil {
		return err
	}
	surfaces, err := drv.CreateSurfaces(width, height, va.RTFormatYUV420, 4)
	if err != nil {
		return err
	}
	vctx, err := drv.CreateContext(cfg, width, height, surfaces)
	if err != nil {
		return err
	}

	out, err := os.Create(output)
	if err != nil {
		return err
	}

	frames := make(chan []byte, 4)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer out.Close()
		for frame := range frames {
			if _, err := out.Write(frame); err != nil {
				return err
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(frames)

		img, err := drv.CreateImage(va.ImageFormat{FourCC: v4l2.PixFmtNV12, BitsPerPixel: 12}, width, height)
		if err != nil {
			return err
		}
		defer drv.DestroyImage(img.ID)

		pic := params.pictureParams()
		decoded := 0
		for _, unit := range units {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if len(unit) == 0 || !isVCL(nal.H264NALType(unit[0])) {
				continue
			}

			surface := surfaces[decoded%len(surfaces)]
			if err := drv.BeginPicture(vctx, surface); err != nil {
				return err
			}

			picBuf, err := drv.CreateBuffer(vctx, va.PictureParameterBufferType, pic)
			if err != nil {
				return err
			}
			spBuf, err := drv.CreateBuffer(vctx, va.SliceParameterBufferType,
				[]codec.SliceParameter{{DataSize: uint32(len(unit))}})
			if err != nil {
				return err
			}
			dataBuf, err := drv.CreateBuffer(vctx, va.SliceDataBufferType, unit)
			if err != nil {
				return err
			}

			err = drv.RenderPicture(vctx, []va.BufferID{picBuf, spBuf, dataBuf})
			if err == nil {
				err = drv.EndPicture(ctx, vctx)
			}
			for _, id := range []va.BufferID{picBuf, spBuf, dataBuf} {
				drv.DestroyBuffer(id)
			}
			if err != nil {
				return err
			}

			if err := drv.SyncSurface(ctx, surface); err != nil {
				return err
			}
			if err := drv.GetImage(surface, img.ID); err != nil {
				log.Debug("frame not yet available", "picture", decoded, "error", err)
				continue
			}
			data, err := drv.MapBuffer(img.Buf)
			if err != nil {
				return err
			}
			frame := make([]byte, len(data.([]byte)))
			copy(frame, data.([]byte))

			select {
			case frames <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}

			decoded++
			if maxFrames > 0 && decoded >= maxFrames {
				break
			}
		}
		log.Info("decode finished", "frames", decoded)
		return nil
	})

	return g.Wait()
}
