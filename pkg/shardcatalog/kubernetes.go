package shardcatalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/sharding-system/pkg/shardquery"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Annotation keys a Service must carry to be discovered as a shard
// endpoint, and the role value that opts it in.
const (
	AnnotationRole     = "shardquery.io/role"
	AnnotationDatabase = "shardquery.io/database"
	AnnotationProtocol = "shardquery.io/protocol"
	RoleShard          = "shard"
)

// KubernetesSnapshotProvider is a SnapshotProvider that discovers shard
// endpoints from annotated Service objects in a namespace, adapted
// from the teacher's KubernetesDiscovery (which discovers application
// deployments rather than shard services).
type KubernetesSnapshotProvider struct {
	client    kubernetes.Interface
	namespace string
	logger    *zap.Logger
}

// NewKubernetesSnapshotProvider builds a provider using in-cluster
// config when available, falling back to the local kubeconfig file,
// exactly as the teacher's NewKubernetesDiscovery does.
func NewKubernetesSnapshotProvider(namespace string, logger *zap.Logger) (*KubernetesSnapshotProvider, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("shardcatalog: failed to get kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("shardcatalog: failed to create kubernetes client: %w", err)
	}

	return NewKubernetesSnapshotProviderFromClient(clientset, namespace, logger), nil
}

// NewKubernetesSnapshotProviderFromClient builds a provider from an
// already-constructed client, the path the test suite and any caller
// holding a fake clientset use.
func NewKubernetesSnapshotProviderFromClient(client kubernetes.Interface, namespace string, logger *zap.Logger) *KubernetesSnapshotProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KubernetesSnapshotProvider{client: client, namespace: namespace, logger: logger}
}

// Snapshot lists Services in the namespace and returns one endpoint per
// Service annotated with the shard role and a database name, sorted by
// data source for a stable order.
func (p *KubernetesSnapshotProvider) Snapshot(ctx context.Context) ([]shardquery.ShardEndpoint, error) {
	svcs, err := p.client.CoreV1().Services(p.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("shardcatalog: failed to list services: %w", err)
	}

	endpoints := make([]shardquery.ShardEndpoint, 0, len(svcs.Items))
	for _, svc := range svcs.Items {
		if ep, ok := endpointFromService(&svc); ok {
			endpoints = append(endpoints, ep)
		}
	}

	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].DataSource < endpoints[j].DataSource })
	return endpoints, nil
}

func endpointFromService(svc *corev1.Service) (shardquery.ShardEndpoint, bool) {
	if svc.Annotations[AnnotationRole] != RoleShard {
		return shardquery.ShardEndpoint{}, false
	}
	database := svc.Annotations[AnnotationDatabase]
	if database == "" {
		return shardquery.ShardEndpoint{}, false
	}

	port := 0
	if len(svc.Spec.Ports) > 0 {
		port = int(svc.Spec.Ports[0].Port)
	}

	host := fmt.Sprintf("%s.%s.svc.cluster.local", svc.Name, svc.Namespace)
	return shardquery.ShardEndpoint{
		DataSource: host,
		Database:   database,
		Protocol:   svc.Annotations[AnnotationProtocol],
		Port:       port,
	}, true
}

// Watch uses the native Kubernetes watch interface on Services in the
// namespace, reloading the full snapshot whenever any Service event
// arrives. Coarser than diffing individual Service add/remove events,
// but a full re-list is cheap at the shard-count scale this engine
// targets and keeps the reload logic identical to the etcd provider's.
func (p *KubernetesSnapshotProvider) Watch(ctx context.Context) (<-chan []shardquery.ShardEndpoint, error) {
	initial, err := p.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	watcher, err := p.client.CoreV1().Services(p.namespace).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("shardcatalog: failed to watch services: %w", err)
	}

	out := make(chan []shardquery.ShardEndpoint, 1)
	out <- initial

	go func() {
		defer close(out)
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.ResultChan():
				if !ok {
					return
				}
				snap, err := p.Snapshot(ctx)
				if err != nil {
					p.logger.Warn("shardcatalog: snapshot reload after service watch event failed", zap.Error(err))
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
