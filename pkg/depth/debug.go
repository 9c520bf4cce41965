package depth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"birefdepth/pkg/imgproc"
)

func maybeSaveImage(img imgproc.Mat, savePath, filename string) {
	if savePath == "" {
		return
	}
	if _, err := os.Stat(savePath); os.IsNotExist(err) {
		return
	}
	imgproc.WriteImage(filepath.Join(savePath, filename), img)
}

func maybeSaveText(savePath, filename, text string) {
	if savePath == "" {
		return
	}
	if _, err := os.Stat(savePath); os.IsNotExist(err) {
		return
	}
	os.WriteFile(filepath.Join(savePath, filename), []byte(text), 0o644)
}

func paramsSummary(e *Estimator) string {
	var b strings.Builder
	p := e.params
	fmt.Fprintf(&b, "Params: MinDepth=%v, MaxDepth=%v, DisparityCoef=%v, Tau=%v, Upsampling=%v\n",
		p.MinDepth, p.MaxDepth, p.DisparityCoef, p.Tau, p.Upsampling)
	fmt.Fprintf(&b, "ScaleMask=%v, WinSize=%d, ThreshGrad=%v, ThreshCost=%v, Filter=%s\n",
		p.ScaleMask, e.winSize, p.ThreshGrad, p.ThreshCost, e.filter.Name())
	fmt.Fprintf(&b, "Candidates (%d):", e.cands.Len())
	for _, d := range e.cands.Disparities {
		fmt.Fprintf(&b, " %.3f", d)
	}
	b.WriteString("\n")
	return b.String()
}
