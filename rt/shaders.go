package rt

import "encoding/binary"

// Shader sources fed to the external compiler when one is attached.
var shaderSources = map[string]string{
	"raygen": `
layout(location = 0) rayPayloadEXT HitPayload prd;
void main() {
  const vec2 pixelCenter = vec2(gl_LaunchIDEXT.xy) + vec2(0.5);
  const vec2 d = (pixelCenter / vec2(gl_LaunchSizeEXT.xy)) * 2.0 - 1.0;
  vec4 origin = pc.viewInverse * vec4(0, 0, 0, 1);
  vec4 target = pc.projInverse * vec4(d.x, d.y, 1, 1);
  vec4 direction = pc.viewInverse * vec4(normalize(target.xyz), 0);
  traceRayEXT(topLevelAS, gl_RayFlagsOpaqueEXT, 0xff, 0, 0, 0,
              origin.xyz, 0.001, direction.xyz, 10000.0, 0);
  imageStore(image, ivec2(gl_LaunchIDEXT.xy), vec4(prd.hitValue, 1.0));
}
`,
	"miss": `
layout(location = 0) rayPayloadInEXT HitPayload prd;
void main() {
  prd.hitValue = pc.clearColor.xyz;
  prd.depth = pc.maxDepth;
}
`,
	"closesthit": `
layout(location = 0) rayPayloadInEXT HitPayload prd;
hitAttributeEXT vec2 attribs;
void main() {
  const vec3 bary = vec3(1.0 - attribs.x - attribs.y, attribs.x, attribs.y);
  prd.hitValue = shade(gl_InstanceCustomIndexEXT, gl_PrimitiveID, bary);
}
`,
	"closesthit_procedural": `
layout(location = 0) rayPayloadInEXT HitPayload prd;
void main() {
  prd.hitValue = shadeImplicit(gl_PrimitiveID, gl_WorldRayOriginEXT,
                               gl_WorldRayDirectionEXT, gl_HitTEXT);
}
`,
	"anyhit": `
layout(location = 0) rayPayloadInEXT HitPayload prd;
void main() {
  if (cutoutTest(gl_InstanceCustomIndexEXT, gl_PrimitiveID)) {
    ignoreIntersectionEXT;
  }
}
`,
	"intersection": `
hitAttributeEXT vec2 attribs;
void main() {
  float tHit = intersectImplicit(gl_PrimitiveID, gl_ObjectRayOriginEXT,
                                 gl_ObjectRayDirectionEXT);
  if (tHit > 0.0) {
    reportIntersectionEXT(tHit, 0);
  }
}
`,
	"callable": `
layout(location = 0) callableDataInEXT MaterialQuery query;
void main() {
  query.result = evalMaterial(query.materialIndex, query.uv);
}
`,
}

// Prebuilt module blobs used when no compiler is attached or when
// compilation fails. The header mirrors a SPIR-V module header.
var prebuiltBlobs = map[string][]byte{}

const spirvMagic = 0x07230203

func init() {
	for name := range shaderSources {
		prebuiltBlobs[name] = prebuiltBlob(name)
	}
}

func prebuiltBlob(name string) []byte {
	blob := make([]byte, 8, 8+len(name))
	binary.LittleEndian.PutUint32(blob[0:], spirvMagic)
	binary.LittleEndian.PutUint32(blob[4:], 0x00010600)
	return append(blob, name...)
}
