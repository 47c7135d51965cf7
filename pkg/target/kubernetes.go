package target

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
)

// Kind is the workload resource kind a Kubernetes target scales.
type Kind string

const (
	KindDeployment  Kind = "Deployment"
	KindStatefulSet Kind = "StatefulSet"
)

// ParseKind accepts the kind case-insensitively; empty means Deployment.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "deployment", "deploy":
		return KindDeployment, nil
	case "statefulset", "sts":
		return KindStatefulSet, nil
	}
	return "", fmt.Errorf("%w: unsupported workload kind %q", autoscale.ErrInvalidConfiguration, s)
}

// Kubernetes scales a Deployment or StatefulSet by writing spec.replicas.
type Kubernetes struct {
	Logger *zap.Logger
	client kubernetes.Interface
	ns     string
	name   string
	kind   Kind
}

// NewKubernetes binds a workload in namespace ns.
func NewKubernetes(client kubernetes.Interface, ns, name string, kind Kind, logger *zap.Logger) (*Kubernetes, error) {
	if ns == "" || name == "" {
		return nil, fmt.Errorf("%w: kubernetes target needs a namespace and a name", autoscale.ErrInvalidConfiguration)
	}
	if kind == "" {
		kind = KindDeployment
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kubernetes{
		Logger: logger.With(zap.String("component", "k8s_target"), zap.String("kind", string(kind)),
			zap.String("namespace", ns), zap.String("name", name)),
		client: client,
		ns:     ns,
		name:   name,
		kind:   kind,
	}, nil
}

// NewClientsetFromEnv builds a clientset from the in-cluster config, falling
// back to $KUBECONFIG or ~/.kube/config.
func NewClientsetFromEnv(logger *zap.Logger) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
		src string
	)

	if cfg, err = rest.InClusterConfig(); err == nil {
		src = "in_cluster"
	} else {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			logger.Error("kube config build failed", zap.Error(err))
			return nil, fmt.Errorf("build kube config: %w", err)
		}
		src = "kubeconfig"
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		logger.Error("k8s client init failed", zap.Error(err))
		return nil, fmt.Errorf("k8s client: %w", err)
	}
	logger.Info("k8s client initialized", zap.String("config_source", src), zap.String("host", cfg.Host))
	return cs, nil
}

// GetReplicas returns spec.replicas; an unset field means the API default of 1.
func (k *Kubernetes) GetReplicas(ctx context.Context) (int32, error) {
	return k.get(ctx)
}

// SetReplicas writes spec.replicas, retrying on write conflicts.
func (k *Kubernetes) SetReplicas(ctx context.Context, n int32) error {
	var from int32
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		switch k.kind {
		case KindStatefulSet:
			sts, err := k.client.AppsV1().StatefulSets(k.ns).Get(ctx, k.name, meta.GetOptions{})
			if err != nil {
				return err
			}
			from = specReplicas(sts.Spec.Replicas)
			if sts.Spec.Replicas != nil && *sts.Spec.Replicas == n {
				return nil
			}
			sts.Spec.Replicas = int32Ptr(n)
			_, err = k.client.AppsV1().StatefulSets(k.ns).Update(ctx, sts, meta.UpdateOptions{})
			return err
		default:
			deploy, err := k.client.AppsV1().Deployments(k.ns).Get(ctx, k.name, meta.GetOptions{})
			if err != nil {
				return err
			}
			from = specReplicas(deploy.Spec.Replicas)
			if deploy.Spec.Replicas != nil && *deploy.Spec.Replicas == n {
				return nil
			}
			deploy.Spec.Replicas = int32Ptr(n)
			_, err = k.client.AppsV1().Deployments(k.ns).Update(ctx, deploy, meta.UpdateOptions{})
			return err
		}
	})
	if err != nil {
		k.Logger.Error("replica update failed", zap.Int32("replicas", n), zap.Error(err))
		return fmt.Errorf("scale %s %s/%s to %d: %w", k.kind, k.ns, k.name, n, err)
	}
	k.Logger.Info("replicas updated", zap.Int32("from", from), zap.Int32("to", n))
	return nil
}

// CompetingAutoscalers lists the HorizontalPodAutoscalers in the namespace that
// target the same workload. Two controllers writing spec.replicas fight.
func (k *Kubernetes) CompetingAutoscalers(ctx context.Context) ([]string, error) {
	hpas, err := k.client.AutoscalingV2().HorizontalPodAutoscalers(k.ns).List(ctx, meta.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list hpas: %w", err)
	}
	var names []string
	for _, h := range hpas.Items {
		ref := h.Spec.ScaleTargetRef
		if ref.Name == k.name && ref.Kind == string(k.kind) {
			names = append(names, h.Name)
		}
	}
	return names, nil
}

func (k *Kubernetes) String() string {
	return fmt.Sprintf("k8s:%s/%s/%s", strings.ToLower(string(k.kind)), k.ns, k.name)
}

func (k *Kubernetes) get(ctx context.Context) (int32, error) {
	var (
		replicas *int32
		err      error
	)
	switch k.kind {
	case KindStatefulSet:
		var sts *appsv1.StatefulSet
		if sts, err = k.client.AppsV1().StatefulSets(k.ns).Get(ctx, k.name, meta.GetOptions{}); err == nil {
			replicas = sts.Spec.Replicas
		}
	default:
		var deploy *appsv1.Deployment
		if deploy, err = k.client.AppsV1().Deployments(k.ns).Get(ctx, k.name, meta.GetOptions{}); err == nil {
			replicas = deploy.Spec.Replicas
		}
	}
	if err != nil {
		return 0, fmt.Errorf("get %s %s/%s: %w", k.kind, k.ns, k.name, err)
	}
	return specReplicas(replicas), nil
}

func specReplicas(r *int32) int32 {
	if r == nil {
		return 1
	}
	return *r
}

func int32Ptr(i int32) *int32 { return &i }
