package verification

// Distance metrics understood by the comparison service.
const (
	MetricCosine      = "cosine"
	MetricEuclidean   = "euclidean"
	MetricEuclideanL2 = "euclidean_l2"
)

var baseThresholds = map[string]float64{
	MetricCosine:      0.40,
	MetricEuclidean:   0.55,
	MetricEuclideanL2: 0.75,
}

// Tuned cut-offs per recognition model and metric.
var modelThresholds = map[string]map[string]float64{
	"VGG-Face":     {MetricCosine: 0.68, MetricEuclidean: 1.17, MetricEuclideanL2: 1.17},
	"Facenet":      {MetricCosine: 0.40, MetricEuclidean: 10, MetricEuclideanL2: 0.80},
	"Facenet512":   {MetricCosine: 0.30, MetricEuclidean: 23.56, MetricEuclideanL2: 1.04},
	"ArcFace":      {MetricCosine: 0.68, MetricEuclidean: 4.15, MetricEuclideanL2: 1.13},
	"Dlib":         {MetricCosine: 0.07, MetricEuclidean: 0.6, MetricEuclideanL2: 0.4},
	"SFace":        {MetricCosine: 0.593, MetricEuclidean: 10.734, MetricEuclideanL2: 1.055},
	"OpenFace":     {MetricCosine: 0.10, MetricEuclidean: 0.55, MetricEuclideanL2: 0.55},
	"DeepFace":     {MetricCosine: 0.23, MetricEuclidean: 64, MetricEuclideanL2: 0.64},
	"DeepID":       {MetricCosine: 0.015, MetricEuclidean: 45, MetricEuclideanL2: 0.17},
	"GhostFaceNet": {MetricCosine: 0.65, MetricEuclidean: 35.71, MetricEuclideanL2: 1.10},
}

// DefaultThreshold returns the cut-off for model and metric, falling back to
// the metric's base value for unknown models. ok is false for unknown metrics.
func DefaultThreshold(model, metric string) (float64, bool) {
	if byMetric, found := modelThresholds[model]; found {
		if v, found := byMetric[metric]; found {
			return v, true
		}
	}
	v, ok := baseThresholds[metric]
	return v, ok
}
