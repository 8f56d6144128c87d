package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/shipyard-project/bay/cmd/bay/internal/logging"
)

func newFakeKubeDriver(t *testing.T) *kubeDriver {
	t.Helper()
	return &kubeDriver{
		clientset: fake.NewSimpleClientset(),
		opts: Options{
			ContainerPort:       8123,
			KubeNamespace:       "bay-test",
			KubeImagePullPolicy: "IfNotPresent",
			KubePVCSize:         "1Gi",
		},
		log: logging.New(false),
	}
}

func TestPodManifest(t *testing.T) {
	d := newFakeKubeDriver(t)
	spec := Spec{
		ShipID: "abc",
		Image:  "ship:latest",
		CPUs:   0.5,
		Memory: "512Mi",
		TTL:    3600,
	}
	pod := d.podManifest("ship-abc", spec, resource.MustParse("512Mi"))

	assert.Equal(t, "ship-abc", pod.Name)
	assert.Equal(t, "bay-test", pod.Namespace)
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	assert.Equal(t, "abc", pod.Labels["ship_id"])
	assert.Equal(t, "bay", pod.Labels["created_by"])

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, "ship", c.Name)
	assert.Equal(t, "ship:latest", c.Image)
	assert.Equal(t, corev1.PullPolicy("IfNotPresent"), c.ImagePullPolicy)
	assert.Equal(t, int32(8123), c.Ports[0].ContainerPort)

	cpu := c.Resources.Limits[corev1.ResourceCPU]
	assert.Equal(t, int64(500), cpu.MilliValue())
	mem := c.Resources.Limits[corev1.ResourceMemory]
	assert.Equal(t, int64(512*1024*1024), mem.Value())

	env := map[string]string{}
	for _, e := range c.Env {
		env[e.Name] = e.Value
	}
	assert.Equal(t, "abc", env["SHIP_ID"])
	assert.Equal(t, "3600", env["TTL"])
	assert.Equal(t, "8123", env["PORT"])

	require.Len(t, c.VolumeMounts, 1)
	assert.Equal(t, "/workspace", c.VolumeMounts[0].MountPath)
	require.Len(t, pod.Spec.Volumes, 1)
	assert.Equal(t, "ship-abc", pod.Spec.Volumes[0].PersistentVolumeClaim.ClaimName)
}

func TestCreateRejectsDockerMemorySuffix(t *testing.T) {
	d := newFakeKubeDriver(t)
	_, err := d.Create(context.Background(), Spec{
		ShipID: "abc",
		Image:  "ship:latest",
		CPUs:   1,
		Memory: "512m",
		TTL:    3600,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Mi")
}

func TestStopDeletesPodAndPVC(t *testing.T) {
	d := newFakeKubeDriver(t)
	ctx := context.Background()

	require.NoError(t, d.ensurePVC(ctx, "ship-abc", "abc", resource.MustParse("1Gi")))
	_, err := d.clientset.CoreV1().Pods("bay-test").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "ship-abc", Namespace: "bay-test"},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	exists, err := d.DataExists(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, d.Stop(ctx, "abc"))

	exists, err = d.DataExists(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, exists, "stop removes the workspace pvc")

	// idempotent
	require.NoError(t, d.Stop(ctx, "abc"))
}

func TestIsRunning(t *testing.T) {
	d := newFakeKubeDriver(t)
	ctx := context.Background()

	running, err := d.IsRunning(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, running)

	_, err = d.clientset.CoreV1().Pods("bay-test").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "ship-abc", Namespace: "bay-test"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	running, err = d.IsRunning(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, running)
}
