package sandboxmgr

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"

	"github.com/rs/zerolog"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

const (
	labelManagedBy       = "managed-by"
	labelValue           = "kubecoderun"
	sandboxNameHashLabel = "agents.x-k8s.io/sandbox-name-hash"
	agentContainerName   = "agent"
	pollInterval         = 500 * time.Millisecond
	pollTimeout          = 2 * time.Minute
)

// K8sConfig configures the Kubernetes Sandbox-CR backend.
type K8sConfig struct {
	Namespace        string
	Image            string
	MemoryLimit      string
	CPULimit         string
	StorageSize      string
	StorageClassName string
	RuntimeClassName string
	AgentPort        int
}

// K8sBackend provisions sandboxes as sigs.k8s.io/agent-sandbox Sandbox
// custom resources, adapted from the teacher's sandbox manager: same
// Sandbox CR shape, waitForReady poll loop, and orphan-by-label cleanup,
// generalized from a persistent per-user coding-agent pod to a
// short-lived, per-execution code-interpreter sandbox. Its /workdir is a
// PersistentVolumeClaim created from the Sandbox's own volume claim
// template (sized by StorageSize), one per sandbox.
type K8sBackend struct {
	cfg       K8sConfig
	restCfg   *rest.Config
	k8s       client.Client
	clientset kubernetes.Interface
	log       zerolog.Logger
}

func NewK8sBackend(cfg K8sConfig, log zerolog.Logger) (*K8sBackend, error) {
	restCfg, err := buildRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}

	s := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(s))
	utilruntime.Must(sandboxv1alpha1.AddToScheme(s))

	k8sClient, err := client.New(restCfg, client.Options{Scheme: s})
	if err != nil {
		return nil, fmt.Errorf("controller-runtime client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}

	return &K8sBackend{cfg: cfg, restCfg: restCfg, k8s: k8sClient, clientset: clientset, log: log}, nil
}

func buildRESTConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = os.Getenv("HOME") + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func (b *K8sBackend) Create(ctx context.Context, name string, lang model.Language, provenance model.Provenance) (*model.SandboxHandle, error) {
	storageSize := resource.MustParse(b.cfg.StorageSize)
	vcts := []sandboxv1alpha1.PersistentVolumeClaimTemplate{{
		EmbeddedObjectMetadata: sandboxv1alpha1.EmbeddedObjectMetadata{Name: "workdir"},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: storageSize},
			},
		},
	}}
	if b.cfg.StorageClassName != "" {
		vcts[0].Spec.StorageClassName = &b.cfg.StorageClassName
	}

	mainContainer := corev1.Container{
		Name:    "runtime",
		Image:   b.cfg.Image,
		Command: []string{"sleep", "infinity"},
		SecurityContext: &corev1.SecurityContext{
			RunAsNonRoot:             boolPtr(true),
			RunAsUser:                int64Ptr(1000),
			AllowPrivilegeEscalation: boolPtr(false),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
		VolumeMounts: []corev1.VolumeMount{{Name: "workdir", MountPath: "/workdir"}},
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceMemory: memoryQuantity(b.cfg.MemoryLimit),
				corev1.ResourceCPU:    cpuQuantity(b.cfg.CPULimit),
			},
		},
	}

	agentContainer := corev1.Container{
		Name:  agentContainerName,
		Image: b.cfg.Image,
		Env: []corev1.EnvVar{
			{Name: "KUBECODERUN_LANG", Value: string(lang)},
			{Name: "KUBECODERUN_WORKDIR", Value: "/workdir"},
			{Name: "KUBECODERUN_AGENT_PORT", Value: fmt.Sprintf("%d", b.cfg.AgentPort)},
		},
		Command: []string{"kubecoderun-agent"},
		SecurityContext: &corev1.SecurityContext{
			RunAsNonRoot:             boolPtr(true),
			RunAsUser:                int64Ptr(1000),
			AllowPrivilegeEscalation: boolPtr(false),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
		VolumeMounts: []corev1.VolumeMount{{Name: "workdir", MountPath: "/workdir"}},
		Ports:        []corev1.ContainerPort{{ContainerPort: int32(b.cfg.AgentPort), Protocol: corev1.ProtocolTCP}},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(int32(b.cfg.AgentPort))},
			},
			InitialDelaySeconds: 1,
			PeriodSeconds:       1,
			FailureThreshold:    30,
		},
	}

	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.cfg.Namespace,
			Labels:    map[string]string{labelManagedBy: labelValue, "kubecoderun/lang": string(lang), "kubecoderun/provenance": string(provenance)},
		},
		Spec: sandboxv1alpha1.SandboxSpec{
			VolumeClaimTemplates: vcts,
			PodTemplate: sandboxv1alpha1.PodTemplate{
				ObjectMeta: sandboxv1alpha1.PodMetadata{Labels: map[string]string{labelManagedBy: labelValue}},
				Spec: corev1.PodSpec{
					Containers:       []corev1.Container{mainContainer, agentContainer},
					RuntimeClassName: b.runtimeClassName(),
					RestartPolicy:    corev1.RestartPolicyNever,
					// The pod spec sets no egress restriction of its own, and
					// this backend creates no NetworkPolicy: egress is denied
					// only where the namespace already has a policy doing so.
				},
			},
		},
	}

	if err := b.k8s.Create(ctx, sb); err != nil {
		return nil, fmt.Errorf("create sandbox CR: %w", err)
	}

	podIP, err := b.waitScheduled(ctx, name)
	if err != nil {
		_ = b.k8s.Delete(ctx, sb)
		return nil, fmt.Errorf("sandbox not scheduled: %w", err)
	}

	return &model.SandboxHandle{
		Name:       name,
		Language:   lang,
		Endpoint:   fmt.Sprintf("http://%s:%d", podIP, b.cfg.AgentPort),
		Provenance: provenance,
		CreatedAt:  time.Now(),
	}, nil
}

// waitScheduled polls until the backing pod has an IP assigned. Readiness
// of the agent's HTTP endpoint itself is probed by the caller (the pool's
// replenisher or the cold path), not here — Create only guarantees the
// platform scheduled the sandbox, per spec.md §4.3.
func (b *K8sBackend) waitScheduled(ctx context.Context, sandboxName string) (string, error) {
	deadline := time.Now().Add(pollTimeout)
	hash := nameHash(sandboxName)

	for time.Now().Before(deadline) {
		podList, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: sandboxNameHashLabel + "=" + hash,
		})
		if err == nil {
			for _, pod := range podList.Items {
				if pod.Status.PodIP != "" {
					return pod.Status.PodIP, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return "", fmt.Errorf("timed out waiting for sandbox %s to be scheduled", sandboxName)
}

func (b *K8sBackend) Destroy(ctx context.Context, handle *model.SandboxHandle) error {
	return b.DestroyByName(ctx, handle.Name)
}

func (b *K8sBackend) DestroyByName(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: b.cfg.Namespace},
	}
	if err := b.k8s.Delete(ctx, sb); err != nil {
		return fmt.Errorf("delete sandbox %s: %w", name, err)
	}
	return nil
}

func (b *K8sBackend) Healthy(ctx context.Context) error {
	var list sandboxv1alpha1.SandboxList
	return b.k8s.List(ctx, &list, client.InNamespace(b.cfg.Namespace), client.Limit(1))
}

// KnownNames lists Sandbox CRs labelled managed-by=kubecoderun, for the
// orphan sweep.
func (b *K8sBackend) KnownNames(ctx context.Context) ([]string, error) {
	var list sandboxv1alpha1.SandboxList
	if err := b.k8s.List(ctx, &list, client.InNamespace(b.cfg.Namespace), client.MatchingLabels{labelManagedBy: labelValue}); err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	names := make([]string, 0, len(list.Items))
	for _, sb := range list.Items {
		names = append(names, sb.Name)
	}
	return names, nil
}

func (b *K8sBackend) runtimeClassName() *string {
	if b.cfg.RuntimeClassName == "" {
		return nil
	}
	return strPtr(b.cfg.RuntimeClassName)
}

func nameHash(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())
}

func strPtr(s string) *string { return &s }
func int64Ptr(i int64) *int64 { return &i }
func boolPtr(bv bool) *bool   { return &bv }

func cpuQuantity(s string) resource.Quantity {
	if s == "" {
		return resource.MustParse("1")
	}
	return resource.MustParse(s)
}

func memoryQuantity(s string) resource.Quantity {
	if s == "" {
		return resource.MustParse("512Mi")
	}
	return resource.MustParse(s)
}
