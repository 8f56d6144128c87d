package driver

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
)

// kubeDriver realizes ships as a Pod plus a PVC, both named after the ship.
// The workspace PVC is mounted at /workspace and deleted with the pod, so a
// stopped kubernetes ship always restarts from a fresh volume.
type kubeDriver struct {
	clientset kubernetes.Interface
	opts      Options
	log       *logrus.Entry
}

func newKubeDriver(opts Options, log *logrus.Entry) (*kubeDriver, error) {
	cfg, err := kubeConfig(opts.KubeConfigPath)
	if err != nil {
		return nil, bayerr.Wrap(bayerr.BackendUnreachable, err, "loading kubernetes config")
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, bayerr.Wrap(bayerr.BackendUnreachable, err, "creating kubernetes clientset")
	}
	if opts.KubeNamespace == "" {
		opts.KubeNamespace = "default"
	}
	return &kubeDriver{
		clientset: clientset,
		opts:      opts,
		log:       log.WithField("driver", "kubernetes"),
	}, nil
}

// kubeConfig tries in-cluster config first, then falls back to a kubeconfig
// file.
func kubeConfig(path string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	if path == "" {
		if home := homedir.HomeDir(); home != "" {
			path = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", path)
}

func (d *kubeDriver) Name() string { return "kubernetes" }

func (d *kubeDriver) Close() error { return nil }

func (d *kubeDriver) Create(ctx context.Context, spec Spec) (*Info, error) {
	if err := validateKubernetesMemory(spec.Memory); err != nil {
		return nil, err
	}
	memory, err := resource.ParseQuantity(spec.Memory)
	if err != nil {
		return nil, bayerr.Wrap(bayerr.InvalidRequest, err, "invalid memory quantity %q", spec.Memory)
	}
	pvcSize := spec.Disk
	if pvcSize == "" {
		pvcSize = d.opts.KubePVCSize
	}
	storage, err := resource.ParseQuantity(pvcSize)
	if err != nil {
		return nil, bayerr.Wrap(bayerr.InvalidRequest, err, "invalid disk quantity %q", pvcSize)
	}

	name := containerName(spec.ShipID)
	if err := d.ensurePVC(ctx, name, spec.ShipID, storage); err != nil {
		return nil, err
	}

	pod := d.podManifest(name, spec, memory)
	if _, err := d.clientset.CoreV1().Pods(d.opts.KubeNamespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			// Leftover from a crashed run; replace it.
			if derr := d.deletePod(ctx, name); derr != nil {
				return nil, derr
			}
			_, err = d.clientset.CoreV1().Pods(d.opts.KubeNamespace).Create(ctx, pod, metav1.CreateOptions{})
		}
		if err != nil {
			return nil, d.classify(err, "creating pod %s", name)
		}
	}

	ip, err := d.waitForPodIP(ctx, name)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s:%d", ip, d.opts.ContainerPort)
	d.log.WithFields(logrus.Fields{"ship_id": spec.ShipID, "endpoint": endpoint}).Debug("pod started")
	return &Info{ContainerID: name, Endpoint: endpoint}, nil
}

func (d *kubeDriver) ensurePVC(ctx context.Context, name, shipID string, size resource.Quantity) error {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.opts.KubeNamespace,
			Labels:    shipLabels(shipID),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: size},
			},
		},
	}
	if d.opts.KubeStorageClass != "" {
		pvc.Spec.StorageClassName = &d.opts.KubeStorageClass
	}
	_, err := d.clientset.CoreV1().PersistentVolumeClaims(d.opts.KubeNamespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return d.classify(err, "creating pvc %s", name)
	}
	return nil
}

func (d *kubeDriver) podManifest(name string, spec Spec, memory resource.Quantity) *corev1.Pod {
	env := []corev1.EnvVar{
		{Name: "PORT", Value: fmt.Sprintf("%d", d.opts.ContainerPort)},
	}
	for k, v := range shipEnv(spec) {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	cpu := resource.NewMilliQuantity(int64(spec.CPUs*1000), resource.DecimalSI)

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.opts.KubeNamespace,
			Labels:    shipLabels(spec.ShipID),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:            "ship",
				Image:           spec.Image,
				ImagePullPolicy: corev1.PullPolicy(d.opts.KubeImagePullPolicy),
				Env:             env,
				Ports: []corev1.ContainerPort{
					{ContainerPort: int32(d.opts.ContainerPort)},
				},
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    *cpu,
						corev1.ResourceMemory: memory,
					},
				},
				VolumeMounts: []corev1.VolumeMount{
					{Name: "workspace", MountPath: "/workspace"},
				},
			}},
			Volumes: []corev1.Volume{{
				Name: "workspace",
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
						ClaimName: name,
					},
				},
			}},
		},
	}
}

// waitForPodIP polls until the pod has an IP or permanently fails. Image
// pull failures are surfaced as their own kind so callers can report them.
func (d *kubeDriver) waitForPodIP(ctx context.Context, name string) (string, error) {
	var ip string
	err := retry.Do(
		func() error {
			pod, err := d.clientset.CoreV1().Pods(d.opts.KubeNamespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return retry.Unrecoverable(d.classify(err, "getting pod %s", name))
			}
			if pod.Status.Phase == corev1.PodFailed {
				return retry.Unrecoverable(bayerr.New(bayerr.BackendUnreachable,
					"pod %s failed: %s", name, pod.Status.Reason))
			}
			for _, cs := range pod.Status.ContainerStatuses {
				if w := cs.State.Waiting; w != nil && (w.Reason == "ErrImagePull" || w.Reason == "ImagePullBackOff") {
					return retry.Unrecoverable(bayerr.New(bayerr.ImagePullFailed,
						"pod %s cannot pull image: %s", name, w.Message))
				}
			}
			if pod.Status.PodIP == "" {
				return fmt.Errorf("pod %s has no IP yet", name)
			}
			ip = pod.Status.PodIP
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(30),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if _, classified := bayerr.KindOf(err); classified {
			return "", err
		}
		return "", bayerr.Wrap(bayerr.BackendTimeout, err, "waiting for pod %s", name)
	}
	return ip, nil
}

func (d *kubeDriver) deletePod(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationForeground
	grace := int64(0)
	err := d.clientset.CoreV1().Pods(d.opts.KubeNamespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy:  &policy,
		GracePeriodSeconds: &grace,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return d.classify(err, "deleting pod %s", name)
	}
	return nil
}

func (d *kubeDriver) Stop(ctx context.Context, shipID string) error {
	name := containerName(shipID)
	if err := d.deletePod(ctx, name); err != nil {
		return err
	}
	err := d.clientset.CoreV1().PersistentVolumeClaims(d.opts.KubeNamespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return d.classify(err, "deleting pvc %s", name)
	}
	return nil
}

func (d *kubeDriver) IsRunning(ctx context.Context, shipID string) (bool, error) {
	pod, err := d.clientset.CoreV1().Pods(d.opts.KubeNamespace).Get(ctx, containerName(shipID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, d.classify(err, "getting pod %s", containerName(shipID))
	}
	return pod.Status.Phase == corev1.PodRunning, nil
}

// DataExists reports whether the ship's workspace PVC survives. Stop removes
// it, so stopped kubernetes ships restart from scratch.
func (d *kubeDriver) DataExists(ctx context.Context, shipID string) (bool, error) {
	_, err := d.clientset.CoreV1().PersistentVolumeClaims(d.opts.KubeNamespace).Get(ctx, containerName(shipID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, d.classify(err, "getting pvc for ship %s", shipID)
	}
	return true, nil
}

func (d *kubeDriver) Logs(ctx context.Context, shipID string, tail int) (string, error) {
	tailLines := int64(tail)
	req := d.clientset.CoreV1().Pods(d.opts.KubeNamespace).GetLogs(containerName(shipID), &corev1.PodLogOptions{
		Container: "ship",
		TailLines: &tailLines,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", d.classify(err, "streaming logs for %s", containerName(shipID))
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", d.classify(err, "reading logs for %s", containerName(shipID))
	}
	return string(data), nil
}

// classify maps apiserver errors onto the shared taxonomy.
func (d *kubeDriver) classify(err error, format string, args ...any) error {
	switch {
	case apierrors.IsNotFound(err):
		return bayerr.Wrap(bayerr.NotFound, err, format, args...)
	case apierrors.IsForbidden(err):
		return bayerr.Wrap(bayerr.QuotaExceeded, err, format, args...)
	case apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err):
		return bayerr.Wrap(bayerr.BackendTimeout, err, format, args...)
	default:
		return bayerr.Wrap(bayerr.BackendUnreachable, err, format, args...)
	}
}
