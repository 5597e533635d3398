package shardcatalog

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func shardService(name, namespace, database, protocol string, port int32) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Annotations: map[string]string{
				AnnotationRole:     RoleShard,
				AnnotationDatabase: database,
				AnnotationProtocol: protocol,
			},
		},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Port: port}},
		},
	}
}

func TestKubernetesSnapshotProviderFiltersByRoleAnnotation(t *testing.T) {
	unrelated := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "frontend", Namespace: "shards"}}
	shard := shardService("shard-0", "shards", "orders", "postgres", 5432)

	client := fake.NewSimpleClientset(unrelated, shard)
	p := NewKubernetesSnapshotProviderFromClient(client, "shards", nil)

	snap, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("expected 1 discovered endpoint, got %d: %+v", len(snap), snap)
	}
	if snap[0].Database != "orders" || snap[0].Port != 5432 {
		t.Errorf("unexpected endpoint: %+v", snap[0])
	}
	if snap[0].DataSource != "shard-0.shards.svc.cluster.local" {
		t.Errorf("unexpected data source: %s", snap[0].DataSource)
	}
}

func TestKubernetesSnapshotProviderSkipsServiceMissingDatabaseAnnotation(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "shard-1",
			Namespace:   "shards",
			Annotations: map[string]string{AnnotationRole: RoleShard},
		},
	}
	client := fake.NewSimpleClientset(svc)
	p := NewKubernetesSnapshotProviderFromClient(client, "shards", nil)

	snap, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("expected service without a database annotation to be skipped, got %+v", snap)
	}
}

func TestKubernetesSnapshotProviderSortsByDataSource(t *testing.T) {
	client := fake.NewSimpleClientset(
		shardService("shard-b", "shards", "db", "postgres", 5432),
		shardService("shard-a", "shards", "db", "postgres", 5432),
	)
	p := NewKubernetesSnapshotProviderFromClient(client, "shards", nil)

	snap, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if len(snap) != 2 || snap[0].DataSource > snap[1].DataSource {
		t.Errorf("expected endpoints sorted by data source, got %+v", snap)
	}
}
