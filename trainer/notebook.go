package trainer

import (
	"fmt"
	"html"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// DisplayImages all in one row, under the given title.
//
// This only works in a Jupyter (GoNB kernel) notebook, otherwise it is a no-op.
func DisplayImages(title string, images *tensors.Tensor) {
	if !gonbui.IsNotebook {
		return
	}
	split, err := SplitImages(images)
	if err != nil {
		klog.Warningf("cannot display images: %+v", err)
		return
	}
	parts := make([]string, 0, len(split))
	for _, img := range split {
		imgSrc := must.M1(gonbui.EmbedImageAsPNGSrc(img))
		parts = append(parts, fmt.Sprintf(`<img src="%s">`, imgSrc))
	}
	gonbui.DisplayHTML(fmt.Sprintf("<b>%s</b>\n<div style=\"overflow-x: auto\">\n\t%s</div>\n",
		html.EscapeString(title), strings.Join(parts, "\n\t")))
}
