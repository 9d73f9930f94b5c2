package k8s_client

import (
	"bytes"
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/curaious/runbox/pkg/sandbox"
)

const backendName = "kubernetes"

// Config defines how sandbox pods are created.
type Config struct {
	// Namespace where sandbox pods will be created.
	Namespace string
	// Kubeconfig path; empty means in-cluster config with a kubeconfig
	// fallback.
	Kubeconfig string
}

// K8sClient implements sandbox.ContainerClient with one pod per sandbox.
type K8sClient struct {
	client  kubernetes.Interface
	restCfg *rest.Config
	cfg     Config
}

var _ sandbox.ContainerClient = (*K8sClient)(nil)

func New(cfg Config) (*K8sClient, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "runbox-sandbox"
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, &sandbox.ConfigurationError{Backend: backendName, Reason: err.Error()}
		}
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, &sandbox.ConfigurationError{Backend: backendName, Reason: err.Error()}
	}

	return &K8sClient{client: client, restCfg: restCfg, cfg: cfg}, nil
}

func (k *K8sClient) Backend() string { return backendName }

func (k *K8sClient) Close() error { return nil }

func (k *K8sClient) Create(ctx context.Context, spec sandbox.ContainerSpec) (sandbox.ContainerHandle, error) {
	pod := k.buildPod(spec)

	err := sandbox.RetryTransient(ctx, 3, func() error {
		_, createErr := k.client.CoreV1().Pods(k.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(createErr) {
			return nil
		}
		return createErr
	})
	if err != nil {
		return sandbox.ContainerHandle{}, &sandbox.ContainerClientError{Backend: backendName, Op: "create", Err: err}
	}

	return sandbox.ContainerHandle{ID: spec.Name, Name: spec.Name}, nil
}

// Start is a no-op: pods run on creation. It verifies the pod was not
// created into a terminal phase.
func (k *K8sClient) Start(ctx context.Context, handle sandbox.ContainerHandle) error {
	pod, err := k.client.CoreV1().Pods(k.cfg.Namespace).Get(ctx, handle.ID, metav1.GetOptions{})
	if err != nil {
		return &sandbox.ContainerClientError{Backend: backendName, Op: "start", Err: err}
	}
	if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded {
		return &sandbox.ContainerClientError{
			Backend: backendName,
			Op:      "start",
			Err:     fmt.Errorf("pod %s is in terminal phase %s", handle.ID, pod.Status.Phase),
		}
	}
	return nil
}

func (k *K8sClient) Stop(ctx context.Context, handle sandbox.ContainerHandle) error {
	grace := int64(30)
	err := k.client.CoreV1().Pods(k.cfg.Namespace).Delete(ctx, handle.ID, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return &sandbox.ContainerClientError{Backend: backendName, Op: "stop", Err: err}
	}
	return nil
}

func (k *K8sClient) Remove(ctx context.Context, handle sandbox.ContainerHandle) error {
	grace := int64(0)
	propagation := metav1.DeletePropagationBackground
	err := k.client.CoreV1().Pods(k.cfg.Namespace).Delete(ctx, handle.ID, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		PropagationPolicy:  &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return &sandbox.ContainerClientError{Backend: backendName, Op: "remove", Err: err}
	}
	return nil
}

func (k *K8sClient) Exec(ctx context.Context, handle sandbox.ContainerHandle, cmd []string) (sandbox.ExecOutput, error) {
	req := k.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(handle.ID).
		Namespace(k.cfg.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "sandbox",
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.restCfg, "POST", req.URL())
	if err != nil {
		return sandbox.ExecOutput{}, &sandbox.ContainerClientError{Backend: backendName, Op: "exec", Err: err}
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr})

	out := sandbox.ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		out.ExitCode = 1
		return out, &sandbox.ContainerClientError{Backend: backendName, Op: "exec", Err: err}
	}
	return out, nil
}

// WaitReady polls the pod until it is Running with all containers ready,
// or the timeout elapses.
func (k *K8sClient) WaitReady(ctx context.Context, handle sandbox.ContainerHandle, timeout time.Duration) bool {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			pod, err := k.client.CoreV1().Pods(k.cfg.Namespace).Get(ctx, handle.ID, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return false
				}
				continue
			}
			switch pod.Status.Phase {
			case corev1.PodRunning:
				allReady := len(pod.Status.ContainerStatuses) > 0
				for _, cs := range pod.Status.ContainerStatuses {
					if !cs.Ready {
						allReady = false
						break
					}
				}
				if allReady && pod.Status.PodIP != "" {
					return true
				}
			case corev1.PodFailed, corev1.PodSucceeded:
				return false
			}
		}
	}
}

func (k *K8sClient) List(ctx context.Context, selector map[string]string) ([]sandbox.ContainerHandle, error) {
	pods, err := k.client.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.Set(selector).String(),
	})
	if err != nil {
		return nil, &sandbox.ContainerClientError{Backend: backendName, Op: "list", Err: err}
	}

	handles := make([]sandbox.ContainerHandle, 0, len(pods.Items))
	for _, pod := range pods.Items {
		handles = append(handles, sandbox.ContainerHandle{
			ID:      pod.Name,
			Name:    pod.Name,
			Address: fmt.Sprintf("%s:%d", pod.Status.PodIP, daemonPortOf(&pod)),
		})
	}
	return handles, nil
}

// Address resolves the pod IP once the pod is running; Create cannot
// know it up front the way the docker backend knows its host port.
func (k *K8sClient) Address(ctx context.Context, handle sandbox.ContainerHandle) (string, error) {
	pod, err := k.client.CoreV1().Pods(k.cfg.Namespace).Get(ctx, handle.ID, metav1.GetOptions{})
	if err != nil {
		return "", &sandbox.ContainerClientError{Backend: backendName, Op: "address", Err: err}
	}
	if pod.Status.PodIP == "" {
		return "", &sandbox.ContainerClientError{Backend: backendName, Op: "address", Err: fmt.Errorf("pod %s has no IP yet", handle.ID)}
	}
	return fmt.Sprintf("%s:%d", pod.Status.PodIP, daemonPortOf(pod)), nil
}

func (k *K8sClient) buildPod(spec sandbox.ContainerSpec) *corev1.Pod {
	env := sandbox.DisableProxyEnv(spec.Env)
	envVars := make([]corev1.EnvVar, 0, len(env))
	for name, value := range env {
		envVars = append(envVars, corev1.EnvVar{Name: name, Value: value})
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for i, v := range spec.Volumes {
		volName := fmt.Sprintf("vol-%d", i)
		volumes = append(volumes, corev1.Volume{
			Name: volName,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: v.HostPath},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{
			Name:      volName,
			MountPath: v.ContainerPath,
			ReadOnly:  v.ReadOnly(),
		})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: k.cfg.Namespace,
			Labels:    spec.Labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Volumes:       volumes,
			Containers: []corev1.Container{
				{
					Name:         "sandbox",
					Image:        spec.Image,
					Env:          envVars,
					VolumeMounts: mounts,
					Ports: []corev1.ContainerPort{
						{Name: "http", ContainerPort: int32(spec.ContainerPort)},
					},
				},
			},
		},
	}
}

func daemonPortOf(pod *corev1.Pod) int32 {
	for _, c := range pod.Spec.Containers {
		for _, p := range c.Ports {
			if p.Name == "http" {
				return p.ContainerPort
			}
		}
	}
	return 8080
}
